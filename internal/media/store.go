// Package media stores uploaded images in an S3-compatible bucket.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"backstage/api/internal/util"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const MaxImageBytes = 10 << 20

var (
	ErrEmptyUpload      = errors.New("empty upload")
	ErrTooLarge         = errors.New("image exceeds size limit")
	ErrUnsupportedImage = errors.New("unsupported image type")
)

const (
	KindProp        = "props"
	KindPerformance = "performances"
	KindItem        = "items"
)

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// objectPutter is the subset of *minio.Client the store needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL prefixes returned object URLs. Defaults to the endpoint.
	PublicURL string
}

type Store struct {
	client    objectPutter
	bucket    string
	publicURL string
}

// Open connects to the bucket, creating it when it does not exist.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("media endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	publicURL := opts.PublicURL
	if publicURL == "" {
		publicURL = client.EndpointURL().String()
	}
	return newStore(client, opts.Bucket, publicURL), nil
}

func newStore(client objectPutter, bucket, publicURL string) *Store {
	return &Store{client: client, bucket: bucket, publicURL: strings.TrimRight(publicURL, "/")}
}

type Upload struct {
	Kind    string
	OwnerID string
	Data    []byte
}

type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// PutImage sniffs the content type, rejects anything that is not a
// common web image, and stores it under <kind>/<owner>/<id><ext>.
func (s *Store) PutImage(ctx context.Context, up Upload) (Object, error) {
	if len(up.Data) == 0 {
		return Object{}, ErrEmptyUpload
	}
	if len(up.Data) > MaxImageBytes {
		return Object{}, ErrTooLarge
	}
	contentType := http.DetectContentType(up.Data)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, contentType)
	}
	kind := up.Kind
	if kind == "" {
		kind = KindItem
	}
	key := path.Join(kind, up.OwnerID, util.NewID("")+ext)

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(up.Data), int64(len(up.Data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return Object{Key: key, URL: s.URL(key), ContentType: contentType, Size: int64(len(up.Data))}, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *Store) URL(key string) string {
	return s.publicURL + "/" + s.bucket + "/" + key
}

// KeyFromURL reverses URL for objects in this bucket.
func (s *Store) KeyFromURL(rawURL string) (string, bool) {
	prefix := s.publicURL + "/" + s.bucket + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	return strings.TrimPrefix(rawURL, prefix), true
}

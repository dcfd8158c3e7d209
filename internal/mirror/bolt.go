package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketMirrors = []byte("pending_patches")

// Bolt keeps mirrors in a local bbolt file. It suits single-node
// deployments without Redis.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("mirror db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMirrors)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init mirror bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMirrors).Get([]byte(key))
		if raw == nil {
			return nil
		}
		value = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get mirror %s: %w", key, err)
	}
	return value, found, nil
}

func (b *Bolt) Set(_ context.Context, key, value string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMirrors).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set mirror %s: %w", key, err)
	}
	return nil
}

func (b *Bolt) Remove(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMirrors).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("remove mirror %s: %w", key, err)
	}
	return nil
}

func (b *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketMirrors).Cursor()
		p := []byte(prefix)
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list mirrors: %w", err)
	}
	return keys, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

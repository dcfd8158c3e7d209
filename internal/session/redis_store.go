// Package session keeps refresh sessions and revoked access tokens in Redis
// so they expire on their own.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backstage/api/internal/clock"
	"backstage/api/internal/store"
	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned for unknown, expired or revoked sessions.
var ErrSessionNotFound = errors.New("session not found or expired")

const (
	refreshPrefix = "refresh:"
	revokedPrefix = "revoked:"
	defaultTTL    = 30 * 24 * time.Hour
)

type sessionRecord struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
	clock  clock.Clock
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, nil), nil
}

func NewRedisStoreWithClient(client *redis.Client, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &RedisStore{client: client, clock: clk}
}

func (s *RedisStore) ttlUntil(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	payload, err := json.Marshal(sessionRecord{UserID: userID, CreatedAt: s.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := defaultTTL
	if !expiresAt.IsZero() {
		ttl = s.ttlUntil(expiresAt)
		if ttl == 0 {
			return nil
		}
	}
	if err := s.client.Set(ctx, refreshPrefix+tokenHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns a User carrying only the ID. Callers
// reload the account to see its current role and status.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	raw, err := s.client.Get(ctx, refreshPrefix+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.User{}, ErrSessionNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	var record sessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return store.User{}, fmt.Errorf("decode refresh session: %w", err)
	}
	return store.User{ID: record.UserID}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAccessToken denylists a token id until the token would have
// expired anyway.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	ttl := s.ttlUntil(exp)
	if ttl == 0 {
		return nil
	}
	if err := s.client.Set(ctx, revokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the connection so pub/sub and the board mirror can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

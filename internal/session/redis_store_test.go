package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"backstage/api/internal/clock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testNow = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStoreWithClient(client, clock.Fake(testNow))
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if _, err := NewRedisStore(context.Background(), "://bad"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRefreshSessionLifecycle(t *testing.T) {
	st, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := st.SaveRefreshSession(ctx, "hash-1", "user-1", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if ttl := mr.TTL("refresh:hash-1"); ttl != time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	user, err := st.LookupRefreshSession(ctx, "hash-1")
	if err != nil || user.ID != "user-1" {
		t.Fatalf("LookupRefreshSession() = %+v, %v", user, err)
	}

	if err := st.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := st.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := st.RevokeRefreshSession(ctx, "never-saved"); err != nil {
		t.Fatalf("revoking unknown session: %v", err)
	}
}

func TestRefreshSessionExpires(t *testing.T) {
	st, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := st.SaveRefreshSession(ctx, "hash-2", "user-2", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := st.LookupRefreshSession(ctx, "hash-2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after expiry, got %v", err)
	}

	if err := st.SaveRefreshSession(ctx, "stale", "user-2", testNow.Add(-time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession(stale) error = %v", err)
	}
	if mr.Exists("refresh:stale") {
		t.Fatal("already expired session was stored")
	}
}

func TestAccessTokenDenylist(t *testing.T) {
	st, mr := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := st.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("fresh token reported revoked: %v %v", revoked, err)
	}
	if err := st.RevokeAccessToken(ctx, "jti-1", testNow.Add(15*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	revoked, err = st.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked token: %v %v", revoked, err)
	}

	mr.FastForward(16 * time.Minute)
	revoked, _ = st.IsAccessTokenRevoked(ctx, "jti-1")
	if revoked {
		t.Fatal("denylist entry outlived the token")
	}
}

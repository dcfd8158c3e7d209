package mirror

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Open selects a backend by name: "memory", "redis" or "bolt". The
// returned close func releases the bolt file; a shared Redis client is
// left open for its owner.
func Open(backend string, client *redis.Client, boltPath string) (Mirror, func() error, error) {
	noop := func() error { return nil }
	switch backend {
	case "", "memory":
		return NewMemory(), noop, nil
	case "redis":
		if client == nil {
			return nil, nil, errors.New("redis mirror requires a redis connection")
		}
		return NewRedisWithClient(client), noop, nil
	case "bolt":
		b, err := NewBolt(boltPath)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown mirror backend %q", backend)
	}
}

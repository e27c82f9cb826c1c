package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores checkpoints in redis using native key expiry.
type RedisBackend struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedisBackend wraps an existing client. The client is not closed by Close.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// DialRedis creates a backend from a redis URL ("redis://host:6379/0").
// The backend owns the connection.
func DialRedis(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts), owned: true}, nil
}

// Set implements Backend.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint record: %w", err)
	}
	return nil
}

// SetAll implements Backend with a MULTI/EXEC transaction.
func (r *RedisBackend) SetAll(ctx context.Context, records []Record, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, rec := range records {
			p.Set(ctx, rec.Key, rec.Value, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint records: %w", err)
	}
	return nil
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint record: %w", err)
	}
	return data, nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete checkpoint records: %w", err)
	}
	return nil
}

// Scan implements Backend.
func (r *RedisBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implements Backend.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

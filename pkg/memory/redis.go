package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session's history in a redis list.
// The client is owned by the caller and is not closed by Close.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
	logger *slog.Logger
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client redis.UniversalClient, logger *slog.Logger, opts ...Option) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, opts: buildOptions(opts), logger: logger}
}

// Append implements Store.
func (r *RedisStore) Append(ctx context.Context, sessionID string, msg Message) error {
	data, err := json.Marshal(stamp(msg, r.opts.now))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := Key(sessionID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.Expire(ctx, key, r.opts.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history %s: %w", sessionID, err)
	}
	return nil
}

// Recent implements Store. Entries that fail to decode are skipped.
func (r *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := r.client.LRange(ctx, Key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", sessionID, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			r.logger.Warn("skipping undecodable history entry",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Clear implements Store.
func (r *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, Key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear history %s: %w", sessionID, err)
	}
	return nil
}

// Stats implements Store.
func (r *RedisStore) Stats(ctx context.Context, sessionID string) (Stats, error) {
	key := Key(sessionID)
	var (
		count *redis.IntCmd
		ttl   *redis.DurationCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		count = p.LLen(ctx, key)
		ttl = p.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("history stats %s: %w", sessionID, err)
	}
	s := Stats{MessageCount: int(count.Val())}
	if d := ttl.Val(); d > 0 {
		s.TTL = d
	}
	return s, nil
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Store.
func (r *RedisStore) Close() error { return nil }

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/observability"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config selects and configures the checkpoint backend.
type Config struct {
	Backend    string
	TTL        time.Duration
	SQLitePath string
	RedisURL   string

	// Redis, when set, is used instead of dialing RedisURL.
	Redis redis.UniversalClient

	// PingTimeout bounds the startup reachability check. Defaults to 2s.
	PingTimeout time.Duration
}

// Open builds the configured backend and checks that it is reachable.
// When it is not, Open logs the degradation and returns a memory-backed
// store whose Degraded method reports true. Open never fails.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	name := cfg.Backend
	if name == "" {
		name = BackendMemory
	}

	backend, err := dial(ctx, name, cfg)
	if err == nil {
		logger.Info("checkpoint store ready", slog.String("backend", name))
		return NewStore(backend, WithTTL(ttl), WithBackendName(name), WithStoreLogger(logger))
	}

	observability.LogBackendDegraded(logger, "checkpoint", name, BackendMemory, err)
	s := NewStore(NewMemoryBackend(), WithTTL(ttl), WithBackendName(BackendMemory), WithStoreLogger(logger))
	s.degraded = true
	return s
}

func dial(ctx context.Context, name string, cfg Config) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch name {
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "checkpoints.db"
		}
		backend, err = NewSQLiteBackend(path)
	case BackendRedis:
		if cfg.Redis != nil {
			backend = NewRedisBackend(cfg.Redis)
		} else {
			backend, err = DialRedis(cfg.RedisURL)
		}
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", name)
	}
	if err != nil {
		return nil, err
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("ping %s: %w", name, err)
	}
	return backend, nil
}

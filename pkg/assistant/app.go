package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/queryflow/pkg/events"
	"github.com/randalmurphal/queryflow/pkg/finance"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/cache"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/observability"
	"github.com/randalmurphal/queryflow/pkg/guardrail"
	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/memory"
	"github.com/randalmurphal/queryflow/pkg/retriever"
	"github.com/randalmurphal/queryflow/pkg/settings"
	"github.com/randalmurphal/queryflow/pkg/tools"
)

// App is the composition root. It owns every shared resource and is built
// once at startup.
type App struct {
	Settings settings.Settings
	Service  *Service
	Metrics  *prometheus.Registry
	Logger   *slog.Logger

	closers []func() error
}

// AppOption overrides a collaborator, mainly for tests.
type AppOption func(*appOptions)

type appOptions struct {
	client    llm.Client
	embedder  llm.Embedder
	retriever retriever.Retriever
}

// WithLLMClient replaces the Ollama chat client.
func WithLLMClient(c llm.Client) AppOption {
	return func(o *appOptions) { o.client = c }
}

// WithEmbedder replaces the Ollama embedding client.
func WithEmbedder(e llm.Embedder) AppOption {
	return func(o *appOptions) { o.embedder = e }
}

// WithRetriever replaces the configured retriever.
func WithRetriever(r retriever.Retriever) AppOption {
	return func(o *appOptions) { o.retriever = r }
}

// NewApp wires the service from cfg. Unreachable storage backends fall back
// to process memory and are reported by Health; only invalid configuration
// fails.
func NewApp(ctx context.Context, cfg settings.Settings, logger *slog.Logger, opts ...AppOption) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{Settings: cfg, Logger: logger}

	var rdb *redis.Client
	var redisErr error
	if cfg.Checkpoint.Backend == checkpoint.BackendRedis || cfg.Cache.Backend == "redis" || cfg.Memory.Backend == "redis" {
		rdb, redisErr = dialRedis(ctx, cfg.Redis.URL)
		if rdb != nil {
			app.closers = append(app.closers, rdb.Close)
		}
	}

	cpCfg := checkpoint.Config{
		Backend:    cfg.Checkpoint.Backend,
		TTL:        cfg.Checkpoint.TTL,
		SQLitePath: cfg.Checkpoint.SQLitePath,
		RedisURL:   cfg.Redis.URL,
	}
	if rdb != nil {
		cpCfg.Redis = rdb
	}
	checkpoints := checkpoint.Open(ctx, cpCfg, logger)
	app.closers = append(app.closers, checkpoints.Close)

	app.Metrics = prometheus.NewRegistry()
	app.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(app.Metrics)

	cacheBackend, cacheInfo := buildCacheBackend(cfg.Cache.Backend, rdb, redisErr, logger)
	resultCache := cache.New(cacheBackend,
		cache.WithPolicy(cache.Policy(cfg.Cache.StepTTLs())),
		cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
		cache.WithLogger(logger),
		cache.WithRecorder(metrics),
	)
	app.closers = append(app.closers, resultCache.Close)

	history, memoryInfo := buildMemory(cfg.Memory, rdb, redisErr, logger)
	app.closers = append(app.closers, history.Close)

	var ollama *llm.Ollama
	if o.client == nil || o.embedder == nil {
		ollama = llm.NewOllama(
			llm.WithBaseURL(cfg.LLM.BaseURL),
			llm.WithModel(cfg.LLM.Model),
			llm.WithEmbeddingModel(cfg.LLM.EmbeddingModel),
			llm.WithDefaultTemperature(cfg.LLM.Temperature),
			llm.WithTimeout(cfg.LLM.Timeout),
			llm.WithRetry(llm.NewRetryConfig(llm.WithMaxAttempts(cfg.LLM.RetryAttempts))),
		)
	}
	client := o.client
	if client == nil {
		client = ollama
	}
	embedder := o.embedder
	if embedder == nil {
		embedder = ollama
	}

	docs := o.retriever
	if docs == nil {
		r, closer, err := buildRetriever(ctx, cfg, client, embedder, logger)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		if closer != nil {
			app.closers = append(app.closers, closer)
		}
		docs = r
	}

	registry := tools.NewRegistry()
	if err := finance.RegisterTools(registry); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("register finance tools: %w", err)
	}

	pc := PipelineConfig{
		LLM:             client,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		Retriever:       docs,
		TopK:            cfg.Retrieval.TopK,
		Tools:           registry,
		ToolDefinitions: registry.Definitions(),
		HistoryLimit:    cfg.Memory.HistoryLimit,
		Logger:          logger,
	}
	if cfg.Guardrail.Enabled {
		g, err := buildGuardrail(cfg.Guardrail, logger)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		pc.Guard = g
	}
	pipeline, err := NewPipeline(pc)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	bus := events.NewBus(logger)
	runStats := events.NewStats()
	if err := bus.Subscribe(context.Background(), "stats", runStats.Handle); err != nil {
		_ = app.Close()
		return nil, err
	}
	if cfg.NATS.URL != "" {
		fwd, err := events.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Warn("nats forwarder disabled", slog.String("error", err.Error()))
		} else if err := bus.Subscribe(context.Background(), "nats", fwd.Handle); err != nil {
			_ = fwd.Close()
			logger.Warn("nats forwarder disabled", slog.String("error", err.Error()))
		} else {
			app.closers = append(app.closers, fwd.Close)
		}
	}
	// The bus drains before anything it forwards to is closed.
	app.closers = append(app.closers, bus.Close)

	svc, err := NewService(ServiceConfig{
		Pipeline:      pipeline,
		Checkpoints:   checkpoints,
		Cache:         resultCache,
		Memory:        history,
		CacheInfo:     cacheInfo,
		MemoryInfo:    memoryInfo,
		Events:        bus,
		RunStats:      runStats,
		Metrics:       metrics,
		Namespace:     cfg.Checkpoint.Namespace,
		HistoryLimit:  cfg.Memory.HistoryLimit,
		DefaultUserID: cfg.DefaultUserID,
		Logger:        logger,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Service = svc
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// dialRedis parses url and pings the server. The client is returned even
// when the ping fails so callers can decide to fall back.
func dialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func buildCacheBackend(name string, rdb *redis.Client, redisErr error, logger *slog.Logger) (cache.Backend, BackendInfo) {
	if name == "redis" {
		if redisErr == nil && rdb != nil {
			return cache.NewRedisBackend(rdb), BackendInfo{Name: "redis"}
		}
		observability.LogBackendDegraded(logger, "cache", "redis", "memory", redisErr)
		return cache.NewMemoryBackend(time.Minute), BackendInfo{Name: "memory", Degraded: true}
	}
	return cache.NewMemoryBackend(time.Minute), BackendInfo{Name: "memory"}
}

func buildMemory(cfg settings.Memory, rdb *redis.Client, redisErr error, logger *slog.Logger) (memory.Store, BackendInfo) {
	if cfg.Backend == "redis" {
		if redisErr == nil && rdb != nil {
			return memory.NewRedisStore(rdb, logger, memory.WithTTL(cfg.TTL)), BackendInfo{Name: "redis"}
		}
		observability.LogBackendDegraded(logger, "memory", "redis", "memory", redisErr)
		return memory.NewMemoryStore(memory.WithTTL(cfg.TTL)), BackendInfo{Name: "memory", Degraded: true}
	}
	return memory.NewMemoryStore(memory.WithTTL(cfg.TTL)), BackendInfo{Name: "memory"}
}

// buildRetriever returns the configured retriever. An unreachable postgres
// falls back to the in-memory BM25 index over DocsDir.
func buildRetriever(ctx context.Context, cfg settings.Settings, client llm.Client, embedder llm.Embedder, logger *slog.Logger) (retriever.Retriever, func() error, error) {
	method, err := retriever.ParseMethod(cfg.Retrieval.Method)
	if err != nil {
		return nil, nil, err
	}

	var base retriever.Retriever
	var closer func() error
	if cfg.Retrieval.Backend == "pgvector" {
		pg, closePG, err := OpenPGVector(ctx, cfg, embedder, method, logger)
		if err != nil {
			observability.LogBackendDegraded(logger, "retriever", "pgvector", "memory", err)
		} else {
			base, closer = pg, closePG
		}
	}
	if base == nil {
		docs, err := LoadDocs(cfg.Retrieval.DocsDir)
		if err != nil {
			logger.Warn("documentation not loaded",
				slog.String("dir", cfg.Retrieval.DocsDir),
				slog.String("error", err.Error()),
			)
		}
		logger.Info("bm25 index ready", slog.Int("chunks", len(docs)))
		base = retriever.NewIndex(docs...)
	}

	if cfg.Retrieval.Rerank {
		base = retriever.NewPipeline(base,
			retriever.WithReranker(retriever.NewLLMReranker(client, cfg.LLM.Model), cfg.Retrieval.InitialTopK, cfg.Retrieval.FinalTopK),
			retriever.WithPipelineLogger(logger),
		)
	}
	return base, closer, nil
}

// OpenPGVector connects to postgres, migrates the chunk table and returns
// the retriever with a function closing the connection pool.
func OpenPGVector(ctx context.Context, cfg settings.Settings, embedder llm.Embedder, method retriever.Method, logger *slog.Logger) (*retriever.PGVector, func() error, error) {
	db, err := retriever.OpenPostgres(cfg.Retrieval.DSN)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err := retriever.NewPGVector(db, embedder, retriever.PGVectorConfig{
		Method: method,
		Alpha:  cfg.Retrieval.Alpha,
	}, logger)
	if err == nil {
		err = pg.Migrate(ctx)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return pg, sqlDB.Close, nil
}

// LoadDocs chunks the markdown files under dir. An empty dir loads nothing.
func LoadDocs(dir string) ([]retriever.Document, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return retriever.LoadMarkdown(os.DirFS(dir), retriever.DefaultChunkSize, retriever.DefaultChunkOverlap)
}

func buildGuardrail(cfg settings.Guardrail, logger *slog.Logger) (*guardrail.Guardrail, error) {
	rules := guardrail.DefaultRules
	if cfg.RulesFile != "" {
		loaded, err := guardrail.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("guardrail rules: %w", err)
		}
		rules = loaded
	}
	return guardrail.New(
		guardrail.WithRules(rules),
		guardrail.WithMaxLength(cfg.MaxQueryLength),
		guardrail.WithLogger(logger),
	), nil
}

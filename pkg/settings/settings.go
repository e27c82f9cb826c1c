// Package settings loads the service configuration.
//
// Sources are applied in order, later ones winning:
//
//  1. built-in defaults (Default)
//  2. a YAML or JSON settings file
//  3. a .env file, loaded into the process environment
//  4. QUERYFLOW_* environment variables
//
// The result is validated before it is returned.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Settings is the complete service configuration.
type Settings struct {
	Server        Server     `validate:"required"`
	Log           Log        `validate:"required"`
	Redis         Redis      `validate:"required"`
	Checkpoint    Checkpoint `validate:"required"`
	Cache         Cache      `validate:"required"`
	Memory        Memory     `validate:"required"`
	LLM           LLM        `validate:"required"`
	Retrieval     Retrieval  `validate:"required"`
	Guardrail     Guardrail
	NATS          NATS
	DefaultUserID string `validate:"required"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// Log configures logging. An empty File logs to stdout only.
type Log struct {
	Level      string `validate:"oneof=debug info warn error"`
	File       string
	MaxSizeMB  int `validate:"gte=1"`
	MaxBackups int `validate:"gte=0"`
	MaxAgeDays int `validate:"gte=0"`
}

// Redis is the shared redis connection.
type Redis struct {
	URL string `validate:"required"`
}

// Checkpoint configures the checkpoint store.
type Checkpoint struct {
	Backend    string        `validate:"oneof=redis sqlite memory"`
	TTL        time.Duration `validate:"gt=0"`
	Namespace  string
	SQLitePath string `validate:"required_if=Backend sqlite"`
}

// Cache configures the step result cache.
type Cache struct {
	Backend      string `validate:"oneof=redis memory"`
	KeyPrefix    string
	RouterTTL    time.Duration `validate:"gte=0"`
	RetrievalTTL time.Duration `validate:"gte=0"`
	ToolsTTL     time.Duration `validate:"gte=0"`
	GeneratorTTL time.Duration `validate:"gte=0"`
}

// Memory configures chat history.
type Memory struct {
	Backend      string        `validate:"oneof=redis memory"`
	TTL          time.Duration `validate:"gt=0"`
	HistoryLimit int           `validate:"gte=1"`
}

// LLM configures the language-model client.
type LLM struct {
	BaseURL        string        `validate:"required,url"`
	Model          string        `validate:"required"`
	EmbeddingModel string        `validate:"required"`
	Temperature    float64       `validate:"gte=0,lte=2"`
	Timeout        time.Duration `validate:"gt=0"`
	RetryAttempts  int           `validate:"gte=1,lte=10"`
}

// Retrieval configures document search.
type Retrieval struct {
	// Backend is "pgvector" or "memory" (BM25 over DocsDir).
	Backend     string `validate:"oneof=pgvector memory"`
	DSN         string `validate:"required_if=Backend pgvector"`
	DocsDir     string
	Method      string  `validate:"oneof=vector keyword bm25 hybrid"`
	Alpha       float64 `validate:"gte=0,lte=1"`
	TopK        int     `validate:"gte=1"`
	InitialTopK int     `validate:"gte=1"`
	FinalTopK   int     `validate:"gte=1"`
	Rerank      bool
}

// Guardrail configures query screening.
type Guardrail struct {
	Enabled        bool
	RulesFile      string
	MaxQueryLength int `validate:"gte=0"`
}

// NATS configures the optional event forwarder. An empty URL disables it.
type NATS struct {
	URL     string
	Subject string `validate:"required_with=URL"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Server: Server{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log:   Log{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Redis: Redis{URL: "redis://localhost:6379/0"},
		Checkpoint: Checkpoint{
			Backend:    "redis",
			TTL:        time.Hour,
			SQLitePath: "checkpoints.db",
		},
		Cache: Cache{
			Backend:      "redis",
			KeyPrefix:    "queryflow:",
			RouterTTL:    time.Hour,
			RetrievalTTL: 30 * time.Minute,
			ToolsTTL:     5 * time.Minute,
			GeneratorTTL: 15 * time.Minute,
		},
		Memory: Memory{Backend: "redis", TTL: 24 * time.Hour, HistoryLimit: 10},
		LLM: LLM{
			BaseURL:        "http://localhost:11434",
			Model:          "llama3.1",
			EmbeddingModel: "nomic-embed-text",
			Temperature:    0.3,
			Timeout:        60 * time.Second,
			RetryAttempts:  3,
		},
		Retrieval: Retrieval{
			Backend:     "memory",
			DocsDir:     "docs",
			Method:      "vector",
			Alpha:       0.5,
			TopK:        3,
			InitialTopK: 15,
			FinalTopK:   7,
			Rerank:      false,
		},
		Guardrail:     Guardrail{Enabled: true, MaxQueryLength: 2000},
		NATS:          NATS{Subject: "queryflow.runs"},
		DefaultUserID: "user_123",
	}
}

// envPaths maps environment variables onto settings paths.
var envPaths = map[string]string{
	"QUERYFLOW_SERVER_ADDR":          "server.addr",
	"QUERYFLOW_LOG_LEVEL":            "log.level",
	"QUERYFLOW_LOG_FILE":             "log.file",
	"QUERYFLOW_REDIS_URL":            "redis.url",
	"QUERYFLOW_CHECKPOINT_BACKEND":   "checkpoint.backend",
	"QUERYFLOW_CHECKPOINT_TTL":       "checkpoint.ttl",
	"QUERYFLOW_CHECKPOINT_NAMESPACE": "checkpoint.namespace",
	"QUERYFLOW_SQLITE_PATH":          "checkpoint.sqlite_path",
	"QUERYFLOW_CACHE_BACKEND":        "cache.backend",
	"QUERYFLOW_MEMORY_BACKEND":       "memory.backend",
	"QUERYFLOW_LLM_BASE_URL":         "llm.base_url",
	"QUERYFLOW_LLM_MODEL":            "llm.model",
	"QUERYFLOW_LLM_TEMPERATURE":      "llm.temperature",
	"QUERYFLOW_EMBEDDING_MODEL":      "llm.embedding_model",
	"QUERYFLOW_RETRIEVAL_BACKEND":    "retrieval.backend",
	"QUERYFLOW_RETRIEVAL_DSN":        "retrieval.dsn",
	"QUERYFLOW_RETRIEVAL_METHOD":     "retrieval.method",
	"QUERYFLOW_RETRIEVAL_RERANK":     "retrieval.rerank",
	"QUERYFLOW_DOCS_DIR":             "retrieval.docs_dir",
	"QUERYFLOW_GUARDRAIL_ENABLED":    "guardrail.enabled",
	"QUERYFLOW_GUARDRAIL_RULES_FILE": "guardrail.rules_file",
	"QUERYFLOW_NATS_URL":             "nats.url",
	"QUERYFLOW_NATS_SUBJECT":         "nats.subject",
	"QUERYFLOW_DEFAULT_USER_ID":      "default_user_id",
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// File is the settings file. Empty skips it.
	File string
	// EnvFiles are .env files loaded into the environment. Missing files
	// are ignored. Defaults to ".env".
	EnvFiles []string
	// LookupEnv reads environment variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load reads and validates the settings.
func Load(opts LoadOptions) (Settings, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	values := NewValues(nil)
	if opts.File != "" {
		v, err := ValuesFromFile(opts.File)
		if err != nil {
			return Settings{}, err
		}
		values = v
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for env, path := range envPaths {
		if val, ok := lookup(env); ok && strings.TrimSpace(val) != "" {
			values.Set(path, strings.TrimSpace(val))
		}
	}

	s := FromValues(values)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// FromValues projects values over Default.
func FromValues(v Values) Settings {
	d := Default()
	return Settings{
		Server: Server{
			Addr:            v.String("server.addr", d.Server.Addr),
			ReadTimeout:     v.Duration("server.read_timeout", d.Server.ReadTimeout),
			WriteTimeout:    v.Duration("server.write_timeout", d.Server.WriteTimeout),
			ShutdownTimeout: v.Duration("server.shutdown_timeout", d.Server.ShutdownTimeout),
		},
		Log: Log{
			Level:      strings.ToLower(v.String("log.level", d.Log.Level)),
			File:       v.String("log.file", d.Log.File),
			MaxSizeMB:  v.Int("log.max_size_mb", d.Log.MaxSizeMB),
			MaxBackups: v.Int("log.max_backups", d.Log.MaxBackups),
			MaxAgeDays: v.Int("log.max_age_days", d.Log.MaxAgeDays),
		},
		Redis: Redis{URL: v.String("redis.url", d.Redis.URL)},
		Checkpoint: Checkpoint{
			Backend:    v.String("checkpoint.backend", d.Checkpoint.Backend),
			TTL:        v.Duration("checkpoint.ttl", d.Checkpoint.TTL),
			Namespace:  v.String("checkpoint.namespace", d.Checkpoint.Namespace),
			SQLitePath: v.String("checkpoint.sqlite_path", d.Checkpoint.SQLitePath),
		},
		Cache: Cache{
			Backend:      v.String("cache.backend", d.Cache.Backend),
			KeyPrefix:    v.String("cache.key_prefix", d.Cache.KeyPrefix),
			RouterTTL:    v.Duration("cache.ttl.router", d.Cache.RouterTTL),
			RetrievalTTL: v.Duration("cache.ttl.retrieval", d.Cache.RetrievalTTL),
			ToolsTTL:     v.Duration("cache.ttl.tools", d.Cache.ToolsTTL),
			GeneratorTTL: v.Duration("cache.ttl.generator", d.Cache.GeneratorTTL),
		},
		Memory: Memory{
			Backend:      v.String("memory.backend", d.Memory.Backend),
			TTL:          v.Duration("memory.ttl", d.Memory.TTL),
			HistoryLimit: v.Int("memory.history_limit", d.Memory.HistoryLimit),
		},
		LLM: LLM{
			BaseURL:        v.String("llm.base_url", d.LLM.BaseURL),
			Model:          v.String("llm.model", d.LLM.Model),
			EmbeddingModel: v.String("llm.embedding_model", d.LLM.EmbeddingModel),
			Temperature:    v.Float("llm.temperature", d.LLM.Temperature),
			Timeout:        v.Duration("llm.timeout", d.LLM.Timeout),
			RetryAttempts:  v.Int("llm.retry_attempts", d.LLM.RetryAttempts),
		},
		Retrieval: Retrieval{
			Backend:     v.String("retrieval.backend", d.Retrieval.Backend),
			DSN:         v.String("retrieval.dsn", d.Retrieval.DSN),
			DocsDir:     v.String("retrieval.docs_dir", d.Retrieval.DocsDir),
			Method:      strings.ToLower(v.String("retrieval.method", d.Retrieval.Method)),
			Alpha:       v.Float("retrieval.alpha", d.Retrieval.Alpha),
			TopK:        v.Int("retrieval.top_k", d.Retrieval.TopK),
			InitialTopK: v.Int("retrieval.initial_top_k", d.Retrieval.InitialTopK),
			FinalTopK:   v.Int("retrieval.final_top_k", d.Retrieval.FinalTopK),
			Rerank:      v.Bool("retrieval.rerank", d.Retrieval.Rerank),
		},
		Guardrail: Guardrail{
			Enabled:        v.Bool("guardrail.enabled", d.Guardrail.Enabled),
			RulesFile:      v.String("guardrail.rules_file", d.Guardrail.RulesFile),
			MaxQueryLength: v.Int("guardrail.max_query_length", d.Guardrail.MaxQueryLength),
		},
		NATS: NATS{
			URL:     v.String("nats.url", d.NATS.URL),
			Subject: v.String("nats.subject", d.NATS.Subject),
		},
		DefaultUserID: v.String("default_user_id", d.DefaultUserID),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// StepTTLs returns the cache TTL per pipeline step name.
func (c Cache) StepTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		"router":    c.RouterTTL,
		"retrieval": c.RetrievalTTL,
		"tools":     c.ToolsTTL,
		"generator": c.GeneratorTTL,
	}
}

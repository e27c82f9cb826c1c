// Package server exposes the assistant over HTTP with fiber.
//
// Routes:
//
//	POST   /api/v1/chat
//	GET    /api/v1/sessions/:id
//	GET    /api/v1/sessions/:id/checkpoint
//	POST   /api/v1/sessions/:id/resume
//	DELETE /api/v1/sessions/:id/history
//	GET    /health
//	GET    /stats
//	GET    /metrics
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/queryflow/pkg/assistant"
)

// Assistant is the service behind the routes. *assistant.Service
// implements it.
type Assistant interface {
	Process(ctx context.Context, req assistant.ProcessRequest) assistant.ProcessResponse
	Resume(ctx context.Context, sessionID string) (assistant.ProcessResponse, error)
	SessionStats(ctx context.Context, sessionID string) (assistant.SessionStats, error)
	Inspect(ctx context.Context, sessionID string) (assistant.Inspection, error)
	ClearHistory(ctx context.Context, sessionID string) error
	Stats() assistant.Stats
	Health(ctx context.Context) assistant.Health
}

// Config configures a Server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AllowOrigins is the CORS origin list. Empty allows every origin.
	AllowOrigins string

	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer

	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	app      *fiber.App
	svc      Assistant
	addr     string
	validate *validator.Validate
	logger   *slog.Logger
}

// New builds the fiber app and registers every route.
func New(svc Assistant, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		addr:     cfg.Addr,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(slog.String("component", "http")),
	}

	app := fiber.New(fiber.Config{
		AppName:               "queryflow",
		BodyLimit:             1 << 20,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	origins := cfg.AllowOrigins
	if origins == "" {
		origins = "*"
	}
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(s.logRequests)

	app.Get("/health", s.health)
	app.Get("/stats", s.stats)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api/v1")
	api.Post("/chat", s.chat)

	sessions := api.Group("/sessions")
	sessions.Get("/:id", s.sessionStats)
	sessions.Get("/:id/checkpoint", s.checkpoint)
	sessions.Post("/:id/resume", s.resume)
	sessions.Delete("/:id/history", s.clearHistory)

	s.app = app
	return s
}

// App returns the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.addr))
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	s.logger.Debug("http request",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
		slog.String("request_id", requestID(c)),
	)
	return err
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		return id
	}
	return ""
}

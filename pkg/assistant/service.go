package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/queryflow/pkg/events"
	"github.com/randalmurphal/queryflow/pkg/flowgraph"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/cache"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/observability"
	"github.com/randalmurphal/queryflow/pkg/memory"
	"github.com/randalmurphal/queryflow/pkg/retriever"
)

// Response routes that are not classifier routes.
const (
	RouteRejected = "rejected"
	RouteError    = "error"
)

// DefaultUserID serves requests that name no user.
const DefaultUserID = "user_123"

var (
	// ErrSessionNotFound is returned when a session has no checkpoint.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRunComplete is returned when resuming a session whose last run finished.
	ErrRunComplete = errors.New("last run already completed")
)

// DefaultSessionID derives the session of a request that names none.
func DefaultSessionID(userID string) string {
	return "session_" + userID
}

// ProcessRequest is one user question.
type ProcessRequest struct {
	Query     string `json:"query" validate:"required,max=2000"`
	UserID    string `json:"user_id,omitempty" validate:"max=128"`
	SessionID string `json:"session_id,omitempty" validate:"max=128"`
}

// ProcessResponse is the answer to a ProcessRequest.
type ProcessResponse struct {
	Answer           string             `json:"answer"`
	Sources          []retriever.Source `json:"sources"`
	Route            string             `json:"route"`
	RoutingRationale string             `json:"routing_rationale,omitempty"`
	ElapsedMS        int64              `json:"elapsed_ms"`
	SessionID        string             `json:"session_id"`
	CacheHits        int                `json:"cache_hits"`
	TraceID          string             `json:"trace_id,omitempty"`
}

// BackendInfo names a storage backend and whether it is a fallback.
type BackendInfo struct {
	Name     string `json:"backend"`
	Degraded bool   `json:"degraded"`
}

// ServiceConfig lists the collaborators of a Service.
type ServiceConfig struct {
	Pipeline    *Pipeline
	Checkpoints *checkpoint.Store
	Cache       *cache.Cache
	Memory      memory.Store

	// CacheInfo and MemoryInfo are reported by Health.
	CacheInfo  BackendInfo
	MemoryInfo BackendInfo

	// Events and RunStats are optional.
	Events   *events.Bus
	RunStats *events.Stats
	Metrics  *Metrics

	Namespace     string
	HistoryLimit  int
	DefaultUserID string
	Logger        *slog.Logger
}

// Service is the entry point for answering questions. It is safe for
// concurrent use; each call owns its pipeline state.
type Service struct {
	pipeline    *Pipeline
	checkpoints *checkpoint.Store
	cache       *cache.Cache
	memory      memory.Store
	cacheInfo   BackendInfo
	memoryInfo  BackendInfo
	events      *events.Bus
	runStats    *events.Stats
	metrics     *Metrics

	namespace    string
	historyLimit int
	defaultUser  string
	logger       *slog.Logger

	tracer      trace.Tracer
	otelMetrics observability.MetricsRecorder
	spans       observability.SpanManager
	now         func() time.Time
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Pipeline == nil || cfg.Checkpoints == nil || cfg.Memory == nil {
		return nil, errors.New("assistant: pipeline, checkpoints and memory are required")
	}
	s := &Service{
		pipeline:     cfg.Pipeline,
		checkpoints:  cfg.Checkpoints,
		cache:        cfg.Cache,
		memory:       cfg.Memory,
		cacheInfo:    cfg.CacheInfo,
		memoryInfo:   cfg.MemoryInfo,
		events:       cfg.Events,
		runStats:     cfg.RunStats,
		metrics:      cfg.Metrics,
		namespace:    cfg.Namespace,
		historyLimit: cfg.HistoryLimit,
		defaultUser:  cfg.DefaultUserID,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("github.com/randalmurphal/queryflow/pkg/assistant"),
		otelMetrics:  observability.NewMetricsRecorder(),
		spans:        observability.NewSpanManager(),
		now:          time.Now,
	}
	if s.historyLimit <= 0 {
		s.historyLimit = memory.DefaultLimit
	}
	if s.defaultUser == "" {
		s.defaultUser = DefaultUserID
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Process answers one question. It never fails: a pipeline error becomes
// the generic answer with route "error" and is logged.
func (s *Service) Process(ctx context.Context, req ProcessRequest) ProcessResponse {
	start := s.now()
	userID := req.UserID
	if userID == "" {
		userID = s.defaultUser
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = DefaultSessionID(userID)
	}

	ctx, span := s.tracer.Start(ctx, "assistant.process",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	history, err := s.memory.Recent(ctx, sessionID, s.historyLimit)
	if err != nil {
		s.logger.Warn("chat history unavailable",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordHistoryError()
		history = nil
	}

	state := NewState(sessionID, userID, req.Query, history)
	state.TraceID = observability.TraceID(ctx)

	var report flowgraph.RunReport
	final, runErr := s.pipeline.Graph().Run(s.flowContext(ctx), state, s.runOptions(sessionID, &report)...)
	return s.finish(ctx, start, sessionID, final, &report, runErr)
}

// Resume continues the session's interrupted run from its latest checkpoint.
func (s *Service) Resume(ctx context.Context, sessionID string) (ProcessResponse, error) {
	start := s.now()
	cp, err := s.checkpoints.Get(ctx, sessionID, s.namespace, checkpoint.Latest)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return ProcessResponse{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return ProcessResponse{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Metadata.Next == flowgraph.END {
		return ProcessResponse{}, fmt.Errorf("%w: %s", ErrRunComplete, sessionID)
	}

	var report flowgraph.RunReport
	final, runErr := s.pipeline.Graph().Resume(s.flowContext(ctx), sessionID, s.runOptions(sessionID, &report)...)
	return s.finish(ctx, start, sessionID, final, &report, runErr), nil
}

func (s *Service) flowContext(ctx context.Context) flowgraph.Context {
	return flowgraph.NewContext(ctx, flowgraph.WithLogger(s.logger))
}

func (s *Service) runOptions(sessionID string, report *flowgraph.RunReport) []flowgraph.RunOption {
	opts := []flowgraph.RunOption{
		flowgraph.WithSession(sessionID, s.namespace),
		flowgraph.WithCheckpointer(s.checkpoints),
		flowgraph.WithMetrics(s.otelMetrics),
		flowgraph.WithTracing(s.spans),
		flowgraph.WithRunReport(report),
	}
	if s.cache != nil {
		opts = append(opts, flowgraph.WithStepCache(s.cache))
	}
	return opts
}

// finish turns a run outcome into the response and records it in chat
// history, metrics and the event bus.
func (s *Service) finish(ctx context.Context, start time.Time, sessionID string, final State, report *flowgraph.RunReport, runErr error) ProcessResponse {
	resp := ProcessResponse{
		SessionID: sessionID,
		TraceID:   final.TraceID,
		CacheHits: report.CacheHits(),
	}

	switch {
	case runErr != nil:
		s.logger.Error("pipeline failed",
			slog.String("session_id", sessionID),
			slog.String("step", failedStep(runErr)),
			slog.String("error", runErr.Error()),
		)
		resp.Route = RouteError
		resp.Answer = AnswerPipelineFailed
	case final.Rejected:
		resp.Route = RouteRejected
		resp.Answer = final.Answer
		resp.RoutingRationale = final.RoutingRationale
	default:
		resp.Route = string(final.Route)
		resp.Answer = final.Answer
		resp.RoutingRationale = final.RoutingRationale
		resp.Sources = final.Sources
	}
	if resp.Sources == nil {
		resp.Sources = []retriever.Source{}
	}

	elapsed := s.now().Sub(start)
	resp.ElapsedMS = elapsed.Milliseconds()

	if runErr == nil {
		s.remember(ctx, sessionID, final.Query, resp)
	}
	s.metrics.RecordRequest(resp.Route, elapsed)
	s.publish(resp, runErr)
	return resp
}

func (s *Service) remember(ctx context.Context, sessionID, query string, resp ProcessResponse) {
	turns := []memory.Message{
		{Role: memory.RoleUser, Content: query},
		{Role: memory.RoleAssistant, Content: resp.Answer, Metadata: map[string]any{
			"route":   resp.Route,
			"sources": len(resp.Sources),
		}},
	}
	for _, m := range turns {
		if err := s.memory.Append(ctx, sessionID, m); err != nil {
			s.logger.Warn("chat history not saved",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			s.metrics.RecordHistoryError()
			return
		}
	}
}

func (s *Service) publish(resp ProcessResponse, runErr error) {
	if s.events == nil {
		return
	}
	evt := events.RunCompleted{
		SessionID: resp.SessionID,
		Route:     resp.Route,
		ElapsedMS: resp.ElapsedMS,
		CacheHits: resp.CacheHits,
	}
	if runErr != nil {
		evt.Error = runErr.Error()
	}
	if err := s.events.Publish(evt); err != nil {
		s.logger.Warn("run event not published", slog.String("error", err.Error()))
	}
}

// failedStep names the step a run error came from, or "".
func failedStep(err error) string {
	var nodeErr *flowgraph.NodeError
	var panicErr *flowgraph.PanicError
	var cancelErr *flowgraph.CancellationError
	var routerErr *flowgraph.RouterError
	switch {
	case errors.As(err, &nodeErr):
		return nodeErr.NodeID
	case errors.As(err, &panicErr):
		return panicErr.NodeID
	case errors.As(err, &cancelErr):
		return cancelErr.NodeID
	case errors.As(err, &routerErr):
		return routerErr.FromNode
	}
	return ""
}

// ClearHistory deletes a session's chat history and checkpoints.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	return errors.Join(
		s.memory.Clear(ctx, sessionID),
		s.checkpoints.DeleteSession(ctx, sessionID),
	)
}

// SessionStats summarises a session.
type SessionStats struct {
	SessionID        string     `json:"session_id"`
	MessageCount     int        `json:"message_count"`
	TTLSeconds       int64      `json:"ttl_seconds"`
	Checkpoints      int        `json:"checkpoints"`
	LastStep         string     `json:"last_step,omitempty"`
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty"`
}

// SessionStats reports a session's history size and checkpoint lineage.
func (s *Service) SessionStats(ctx context.Context, sessionID string) (SessionStats, error) {
	out := SessionStats{SessionID: sessionID}

	hist, err := s.memory.Stats(ctx, sessionID)
	if err != nil {
		return out, fmt.Errorf("history stats: %w", err)
	}
	out.MessageCount = hist.MessageCount
	out.TTLSeconds = int64(hist.TTL / time.Second)

	metas, err := s.checkpoints.List(ctx, sessionID, s.namespace)
	if err != nil {
		return out, fmt.Errorf("list checkpoints: %w", err)
	}
	out.Checkpoints = len(metas)
	if n := len(metas); n > 0 {
		last := metas[n-1]
		out.LastStep = last.Step
		at := last.CreatedAt
		out.LastCheckpointAt = &at
	}
	return out, nil
}

// Inspection is the latest checkpoint of a session.
type Inspection struct {
	Checkpoint checkpoint.Metadata   `json:"checkpoint"`
	State      State                 `json:"state"`
	Lineage    []checkpoint.Metadata `json:"lineage"`
}

// Inspect returns the latest checkpointed state of a session.
func (s *Service) Inspect(ctx context.Context, sessionID string) (Inspection, error) {
	cp, err := s.checkpoints.Get(ctx, sessionID, s.namespace, checkpoint.Latest)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return Inspection{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return Inspection{}, fmt.Errorf("load checkpoint: %w", err)
	}

	var state State
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return Inspection{}, fmt.Errorf("decode checkpoint state: %w", err)
	}
	lineage, err := s.checkpoints.List(ctx, sessionID, s.namespace)
	if err != nil {
		return Inspection{}, fmt.Errorf("list checkpoints: %w", err)
	}
	return Inspection{Checkpoint: cp.Metadata, State: state, Lineage: lineage}, nil
}

// Stats is the service-wide view served on /stats.
type Stats struct {
	Runs  events.StatsSnapshot `json:"runs"`
	Cache []cache.StepStats    `json:"cache"`
}

// Stats returns run and cache statistics.
func (s *Service) Stats() Stats {
	out := Stats{Cache: []cache.StepStats{}}
	if s.runStats != nil {
		out.Runs = s.runStats.Snapshot()
	}
	if s.cache != nil {
		out.Cache = s.cache.Stats()
	}
	return out
}

// Health reports backend status.
type Health struct {
	Status     string      `json:"status"`
	Checkpoint BackendInfo `json:"checkpoint"`
	Cache      BackendInfo `json:"cache"`
	Memory     BackendInfo `json:"memory"`
	Errors     []string    `json:"errors,omitempty"`
}

// Health pings every backend. Status is "degraded" when a backend fell
// back to memory at startup or does not answer now.
func (s *Service) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	h := Health{
		Status:     "ok",
		Checkpoint: BackendInfo{Name: s.checkpoints.Backend(), Degraded: s.checkpoints.Degraded()},
		Cache:      s.cacheInfo,
		Memory:     s.memoryInfo,
	}

	check := func(name string, info *BackendInfo, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			info.Degraded = true
			h.Errors = append(h.Errors, name+": "+err.Error())
		}
	}
	check("checkpoint", &h.Checkpoint, s.checkpoints.Ping)
	if s.cache != nil {
		check("cache", &h.Cache, s.cache.Ping)
	}
	check("memory", &h.Memory, s.memory.Ping)

	if h.Checkpoint.Degraded || h.Cache.Degraded || h.Memory.Degraded {
		h.Status = "degraded"
	}
	return h
}

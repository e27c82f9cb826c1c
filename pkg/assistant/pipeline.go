package assistant

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/queryflow/pkg/flowgraph"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/cache"
	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/memory"
	"github.com/randalmurphal/queryflow/pkg/retriever"
	"github.com/randalmurphal/queryflow/pkg/tools"
)

// DefaultTopK is the number of documents handed to the generator.
const DefaultTopK = 3

// PipelineConfig lists the collaborators of a Pipeline.
type PipelineConfig struct {
	LLM         llm.Client
	Model       string
	Temperature float64

	// Guard is optional. When nil no query is rejected.
	Guard Guard

	Retriever retriever.Retriever
	TopK      int

	Tools           tools.Executor
	ToolDefinitions []llm.Tool

	// HistoryLimit bounds the chat history given to the generator.
	HistoryLimit int

	Logger *slog.Logger
}

// Pipeline owns the compiled query graph and its step collaborators.
type Pipeline struct {
	router       *Router
	guard        Guard
	retriever    retriever.Retriever
	topK         int
	executor     tools.Executor
	toolDefs     []llm.Tool
	client       llm.Client
	model        string
	temperature  float64
	historyLimit int
	logger       *slog.Logger

	graph *flowgraph.CompiledGraph[State]
}

// NewPipeline validates cfg and compiles the graph.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	var errs []error
	if cfg.LLM == nil {
		errs = append(errs, errors.New("llm client is required"))
	}
	if cfg.Retriever == nil {
		errs = append(errs, errors.New("retriever is required"))
	}
	if cfg.Tools == nil {
		errs = append(errs, errors.New("tool executor is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("assistant: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		router:       NewRouter(cfg.LLM, cfg.Model, logger),
		guard:        cfg.Guard,
		retriever:    cfg.Retriever,
		topK:         cfg.TopK,
		executor:     cfg.Tools,
		toolDefs:     cfg.ToolDefinitions,
		client:       cfg.LLM,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		historyLimit: cfg.HistoryLimit,
		logger:       logger,
	}
	if p.topK <= 0 {
		p.topK = DefaultTopK
	}
	if p.historyLimit <= 0 {
		p.historyLimit = memory.DefaultLimit
	}

	graph, err := p.build()
	if err != nil {
		return nil, fmt.Errorf("assistant: compile graph: %w", err)
	}
	p.graph = graph
	return p, nil
}

// Graph returns the compiled graph.
func (p *Pipeline) Graph() *flowgraph.CompiledGraph[State] {
	return p.graph
}

// fingerprint keys every step by the query text alone, so identical
// questions share cache entries across sessions.
func fingerprint(_ string, s State) string {
	return cache.Fingerprint(s.Query)
}

func (p *Pipeline) build() (*flowgraph.CompiledGraph[State], error) {
	stepPolicy := func(step string, merge func(current, cached State) State) flowgraph.NodeOption[State] {
		return flowgraph.WithCachePolicy(flowgraph.CachePolicy[State]{
			Fingerprint: fingerprint,
			Merge:       merge,
			Cacheable:   func(s State) bool { return !s.failed(step) },
		})
	}

	return flowgraph.NewGraph[State]().
		Named("queryflow").
		AddNode(StepRouter, p.routeStep, stepPolicy(StepRouter, mergeRoute)).
		AddNode(StepRetrieval, p.retrievalStep, stepPolicy(StepRetrieval, mergeRetrieval)).
		AddNode(StepTools, p.toolsStep, stepPolicy(StepTools, mergeTools)).
		AddNode(StepGenerator, p.generatorStep, flowgraph.WithCachePolicy(flowgraph.CachePolicy[State]{
			Fingerprint: fingerprint,
			Merge:       mergeAnswer,
			// An answer built on degraded evidence is not reused.
			Cacheable: func(s State) bool { return len(s.Failures) == 0 },
		})).
		AddConditionalEdge(StepRouter, decide, map[string]string{
			labelRetrieval: StepRetrieval,
			labelTools:     StepTools,
			labelEnd:       flowgraph.END,
		}).
		AddEdge(StepRetrieval, StepGenerator).
		AddEdge(StepTools, StepGenerator).
		AddEdge(StepGenerator, flowgraph.END).
		SetEntry(StepRouter).
		Compile()
}

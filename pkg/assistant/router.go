package assistant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/randalmurphal/queryflow/pkg/flowgraph"
	"github.com/randalmurphal/queryflow/pkg/guardrail"
	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/prompt"
)

// Routing rationales written by the router itself.
const (
	RationaleFallback = "Fallback to documentation due to routing error"
	RationaleRejected = "Rejected by guardrail"
)

// Decision labels of the router's conditional edge.
const (
	labelRetrieval = "retrieval"
	labelTools     = "tools"
	labelEnd       = "end"
)

// Guard screens queries before classification. *guardrail.Guardrail
// implements it.
type Guard interface {
	Check(ctx context.Context, query string) guardrail.Verdict
}

// Decision is the router's classification of one query.
type Decision struct {
	Route     Route
	Rationale string
	// Fallback is set when classification failed and the route is the
	// documentation default.
	Fallback bool
}

// Router classifies queries with the language model.
type Router struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewRouter creates a Router. An empty model uses the client's default.
func NewRouter(client llm.Client, model string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{client: client, model: model, logger: logger}
}

type routeReply struct {
	QueryType string `json:"query_type"`
	Reasoning string `json:"reasoning"`
}

// Decide classifies query. It never fails: any classification error yields
// the documentation route with RationaleFallback.
func (r *Router) Decide(ctx context.Context, query string, history []Turn) Decision {
	text, err := prompt.Router.Render(map[string]any{"query": query})
	if err != nil {
		return r.fallback(err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, llm.Message{Role: llm.Role(t.Role), Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: text})

	resp, err := r.client.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		Model:       r.model,
		Temperature: llm.Temperature(0),
		JSONMode:    true,
	})
	if err != nil {
		return r.fallback(err)
	}

	var reply routeReply
	if err := llm.DecodeJSON(resp.Content, &reply); err != nil {
		return r.fallback(err)
	}
	return Decision{
		Route:     ParseRoute(strings.ToLower(strings.TrimSpace(reply.QueryType))),
		Rationale: reply.Reasoning,
	}
}

func (r *Router) fallback(err error) Decision {
	r.logger.Warn("routing failed, falling back to documentation", slog.String("error", err.Error()))
	return Decision{Route: RouteDocumentation, Rationale: RationaleFallback, Fallback: true}
}

// routeStep is the router node. The guardrail runs first; a rejected query
// gets the guardrail message as its answer and never reaches a path step.
func (p *Pipeline) routeStep(ctx flowgraph.Context, s State) (State, error) {
	if p.guard != nil {
		if v := p.guard.Check(ctx, s.Query); !v.Safe {
			ctx.Logger().Info("query rejected",
				slog.String("session_id", s.SessionID),
				slog.String("rule", v.Rule),
			)
			s.Rejected = true
			s.Route = RouteUnknown
			s.RoutingRationale = RationaleRejected
			s.Answer = v.Message
			return s, nil
		}
	}

	d := p.router.Decide(ctx, s.Query, s.ChatHistory)
	if d.Fallback {
		s.fail(StepRouter)
	}
	s.Route = d.Route
	s.RoutingRationale = d.Rationale
	ctx.Logger().Debug("query routed",
		slog.String("route", string(s.Route)),
		slog.Bool("fallback", d.Fallback),
	)
	return s, nil
}

// mergeRoute copies the router's outputs from a cached state.
func mergeRoute(current, cached State) State {
	current.Route = cached.Route
	current.RoutingRationale = cached.RoutingRationale
	current.Rejected = cached.Rejected
	if cached.Rejected {
		current.Answer = cached.Answer
	}
	return current
}

// decide is the router's conditional edge. Every route is matched
// explicitly; an unexpected value fails the run with a router error.
func decide(_ flowgraph.Context, s State) string {
	if s.Rejected {
		return labelEnd
	}
	switch s.Route {
	case RouteOperational:
		return labelTools
	case RouteDocumentation, RouteUnknown, RouteUnclassified:
		return labelRetrieval
	}
	return ""
}

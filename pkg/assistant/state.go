// Package assistant answers finance-product questions by running a query
// through a router, one of two evidence paths and a generator.
//
// The pipeline is a flowgraph graph over State:
//
//	router ──► retrieval ──┐
//	   │                   ├──► generator ──► END
//	   ├─────► tools ──────┘
//	   └─────► END (rejected by the guardrail)
//
// Every step is cached by the SHA-256 of the query text and the state is
// checkpointed per session after each step.
package assistant

import (
	"slices"

	"github.com/randalmurphal/queryflow/pkg/memory"
	"github.com/randalmurphal/queryflow/pkg/retriever"
	"github.com/randalmurphal/queryflow/pkg/tools"
)

// Route is the router's classification of a query.
type Route string

// Routes. Unclassified is the value before the router has run.
const (
	RouteUnclassified  Route = "unclassified"
	RouteDocumentation Route = "documentation"
	RouteOperational   Route = "operational"
	RouteUnknown       Route = "unknown"
)

// ParseRoute maps a classifier label onto a Route. Labels other than
// documentation and operational are unknown.
func ParseRoute(label string) Route {
	switch Route(label) {
	case RouteDocumentation:
		return RouteDocumentation
	case RouteOperational:
		return RouteOperational
	default:
		return RouteUnknown
	}
}

// Step names. They double as cache policy keys.
const (
	StepRouter    = "router"
	StepRetrieval = "retrieval"
	StepTools     = "tools"
	StepGenerator = "generator"
)

// Turn is one chat-history message as seen by the pipeline.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State is threaded through every step of a run.
//
// Route is written once by the router. Exactly one of Documents and
// ToolResults is filled, by the path step the route selects. Answer is
// written by the generator, or by the router when the guardrail rejects
// the query.
type State struct {
	SessionID        string               `json:"session_id"`
	UserID           string               `json:"user_id"`
	Query            string               `json:"query"`
	ChatHistory      []Turn               `json:"chat_history,omitempty"`
	Route            Route                `json:"route"`
	RoutingRationale string               `json:"routing_rationale,omitempty"`
	Rejected         bool                 `json:"rejected,omitempty"`
	Documents        []retriever.Document `json:"documents,omitempty"`
	ToolResults      []tools.Result       `json:"tool_results,omitempty"`
	Answer           string               `json:"answer,omitempty"`
	Sources          []retriever.Source   `json:"sources,omitempty"`
	TraceID          string               `json:"trace_id,omitempty"`

	// Failures names the steps that recovered from a collaborator failure.
	// Their results are not cached.
	Failures []string `json:"failures,omitempty"`
}

// NewState builds the initial state of a run.
func NewState(sessionID, userID, query string, history []memory.Message) State {
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return State{
		SessionID:   sessionID,
		UserID:      userID,
		Query:       query,
		ChatHistory: turns,
		Route:       RouteUnclassified,
	}
}

func (s *State) fail(step string) {
	if !s.failed(step) {
		s.Failures = append(s.Failures, step)
	}
}

func (s State) failed(step string) bool {
	return slices.Contains(s.Failures, step)
}

package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/queryflow/pkg/flowgraph"
	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouter_Decide(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		err       error
		want      Route
		rationale string
		fallback  bool
	}{
		{
			name:      "plain json",
			reply:     `{"query_type": "operational", "reasoning": "asks for data"}`,
			want:      RouteOperational,
			rationale: "asks for data",
		},
		{
			name:      "fenced json with mixed case label",
			reply:     "```json\n{\"query_type\": \" Documentation \", \"reasoning\": \"how-to\"}\n```",
			want:      RouteDocumentation,
			rationale: "how-to",
		},
		{
			name:      "unexpected label",
			reply:     `{"query_type": "weather", "reasoning": "off topic"}`,
			want:      RouteUnknown,
			rationale: "off topic",
		},
		{
			name:      "not json",
			reply:     "documentation, probably",
			want:      RouteDocumentation,
			rationale: RationaleFallback,
			fallback:  true,
		},
		{
			name:      "model error",
			err:       errors.New("connection refused"),
			want:      RouteDocumentation,
			rationale: RationaleFallback,
			fallback:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewMockClient(tt.reply)
			if tt.err != nil {
				client.WithError(tt.err)
			}
			r := NewRouter(client, "", discard())

			d := r.Decide(context.Background(), "question", nil)
			assert.Equal(t, tt.want, d.Route)
			assert.Equal(t, tt.rationale, d.Rationale)
			assert.Equal(t, tt.fallback, d.Fallback)

			req := client.LastCall()
			require.NotNil(t, req)
			assert.True(t, req.JSONMode)
			require.NotNil(t, req.Temperature)
			assert.Zero(t, *req.Temperature)
		})
	}
}

func TestRouter_DecideSendsHistory(t *testing.T) {
	client := llm.NewMockClient(`{"query_type": "documentation", "reasoning": "r"}`)
	r := NewRouter(client, "llama3", discard())

	history := []Turn{
		{Role: memory.RoleUser, Content: "hi"},
		{Role: memory.RoleAssistant, Content: "hello"},
	}
	r.Decide(context.Background(), "how do I log in?", history)

	req := client.LastCall()
	require.NotNil(t, req)
	assert.Equal(t, "llama3", req.Model)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, req.Messages[1].Role)
	assert.Contains(t, req.Messages[2].Content, "how do I log in?")
}

func TestDecide(t *testing.T) {
	ctx := flowgraph.NewContext(context.Background())
	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"rejected", State{Route: RouteUnknown, Rejected: true}, labelEnd},
		{"operational", State{Route: RouteOperational}, labelTools},
		{"documentation", State{Route: RouteDocumentation}, labelRetrieval},
		{"unknown", State{Route: RouteUnknown}, labelRetrieval},
		{"unclassified", State{Route: RouteUnclassified}, labelRetrieval},
		{"unexpected", State{Route: Route("weather")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(ctx, tt.state))
		})
	}
}

func TestMergeRoute(t *testing.T) {
	current := NewState("s2", "bob", "q", nil)
	cached := State{SessionID: "s1", Route: RouteUnknown, RoutingRationale: RationaleRejected, Rejected: true, Answer: "no"}

	got := mergeRoute(current, cached)
	assert.Equal(t, "s2", got.SessionID)
	assert.Equal(t, "bob", got.UserID)
	assert.True(t, got.Rejected)
	assert.Equal(t, "no", got.Answer)

	cached.Rejected = false
	got = mergeRoute(current, cached)
	assert.Empty(t, got.Answer)
}

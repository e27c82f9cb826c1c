package llm

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
)

// MockClient is a Client for tests. It returns fixed or sequential
// responses and records every request.
type MockClient struct {
	mu           sync.Mutex
	response     string
	responses    []CompletionResponse
	index        int
	err          error
	completeFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Calls records every request in order.
	Calls []CompletionRequest
}

// NewMockClient creates a mock that always answers with response.
func NewMockClient(response string) *MockClient {
	return &MockClient{response: response}
}

// WithResponses makes the mock cycle through contents.
func (m *MockClient) WithResponses(contents ...string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = m.responses[:0]
	for _, c := range contents {
		m.responses = append(m.responses, CompletionResponse{Content: c, FinishReason: "stop"})
	}
	return m
}

// WithToolCalls makes the mock answer with the given tool calls.
func (m *MockClient) WithToolCalls(calls ...ToolCall) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = []CompletionResponse{{ToolCalls: calls, FinishReason: "tool_calls"}}
	return m
}

// WithError makes every call fail with err.
func (m *MockClient) WithError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithCompleteFunc delegates every call to fn.
func (m *MockClient) WithCompleteFunc(fn func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeFunc = fn
	return m
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn := m.completeFunc
	err := m.err
	var resp CompletionResponse
	if len(m.responses) > 0 {
		resp = m.responses[m.index%len(m.responses)]
		m.index++
	} else {
		resp = CompletionResponse{Content: m.response, FinishReason: "stop"}
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	resp.Model = "mock"
	resp.Usage = estimateUsage(req, resp.Content)
	return &resp, nil
}

// CallCount returns the number of calls made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request, or nil.
func (m *MockClient) LastCall() *CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	last := m.Calls[len(m.Calls)-1]
	return &last
}

// Reset clears recorded calls and rewinds sequential responses.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.index = 0
}

// estimateUsage approximates token counts at four characters per token.
func estimateUsage(req CompletionRequest, output string) TokenUsage {
	in := len(req.SystemPrompt)
	for _, msg := range req.Messages {
		in += len(msg.Content)
	}
	u := TokenUsage{
		InputTokens:  in/4 + 1,
		OutputTokens: len(output)/4 + 1,
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// MockEmbedder is an Embedder for tests. Vectors are derived from the
// words of the text, so texts sharing words are close.
type MockEmbedder struct {
	Dimensions int
	Err        error
}

// Embed implements Embedder.
func (m MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	dims := m.Dimensions
	if dims <= 0 {
		dims = 16
	}
	vec := make([]float64, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%uint32(dims)]++
	}
	return normalize(vec), nil
}

var (
	_ Client   = (*MockClient)(nil)
	_ Embedder = MockEmbedder{}
)

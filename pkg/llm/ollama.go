package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Default Ollama settings.
const (
	DefaultBaseURL        = "http://localhost:11434"
	DefaultModel          = "llama3.1"
	DefaultEmbeddingModel = "nomic-embed-text"
)

// Ollama implements Client and Embedder against the Ollama HTTP API.
type Ollama struct {
	baseURL        string
	model          string
	embeddingModel string
	temperature    float64
	httpClient     *http.Client
	retry          RetryConfig
}

// OllamaOption configures Ollama.
type OllamaOption func(*Ollama)

// NewOllama creates an Ollama client.
func NewOllama(opts ...OllamaOption) *Ollama {
	o := &Ollama{
		baseURL:        DefaultBaseURL,
		model:          DefaultModel,
		embeddingModel: DefaultEmbeddingModel,
		temperature:    0.1,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
		retry:          DefaultRetry,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithBaseURL sets the server address.
func WithBaseURL(url string) OllamaOption {
	return func(o *Ollama) {
		if url != "" {
			o.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel sets the default chat model.
func WithModel(model string) OllamaOption {
	return func(o *Ollama) {
		if model != "" {
			o.model = model
		}
	}
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) OllamaOption {
	return func(o *Ollama) {
		if model != "" {
			o.embeddingModel = model
		}
	}
}

// WithDefaultTemperature sets the temperature used when a request has none.
func WithDefaultTemperature(t float64) OllamaOption {
	return func(o *Ollama) { o.temperature = t }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) OllamaOption {
	return func(o *Ollama) {
		if d > 0 {
			o.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *Ollama) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg RetryConfig) OllamaOption {
	return func(o *Ollama) { o.retry = cfg }
}

// Wire types for /api/chat and /api/embeddings.

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Complete implements Client.
func (o *Ollama) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	payload := o.buildChatRequest(req)

	res := Retry(ctx, o.retry, func(ctx context.Context) (*ollamaChatResponse, error) {
		var out ollamaChatResponse
		if err := o.post(ctx, "/api/chat", payload, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if res.Err != nil {
		return nil, res.Err
	}

	resp := toCompletionResponse(res.Value)
	resp.Duration = time.Since(start)
	return resp, nil
}

// Embed implements Embedder. The returned vector is normalized to unit
// length so cosine distance in pgvector is meaningful.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := ollamaEmbeddingRequest{Model: o.embeddingModel, Prompt: text}

	res := Retry(ctx, o.retry, func(ctx context.Context) ([]float64, error) {
		var out ollamaEmbeddingResponse
		if err := o.post(ctx, "/api/embeddings", payload, &out); err != nil {
			return nil, err
		}
		return out.Embedding, nil
	})
	if res.Err != nil {
		return nil, res.Err
	}
	if len(res.Value) == 0 {
		return nil, Permanent(fmt.Errorf("empty embedding"), "embed")
	}
	return normalize(res.Value), nil
}

func (o *Ollama) buildChatRequest(req CompletionRequest) ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = o.model
	}
	temperature := o.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: string(RoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	out := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  &ollamaOptions{Temperature: temperature, NumPredict: req.MaxTokens},
	}
	if req.JSONMode {
		out.Format = "json"
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func toCompletionResponse(r *ollamaChatResponse) *CompletionResponse {
	resp := &CompletionResponse{
		Content:      r.Message.Content,
		Model:        r.Model,
		FinishReason: r.DoneReason,
		Usage: TokenUsage{
			InputTokens:  r.PromptEvalCount,
			OutputTokens: r.EvalCount,
			TotalTokens:  r.PromptEvalCount + r.EvalCount,
		},
	}
	for i, tc := range r.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp
}

// post sends body as JSON and decodes the reply into out.
func (o *Ollama) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("marshal request: %w", err), path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err), path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(fmt.Errorf("read response: %w", err), path)
	}

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			Endpoint:   path,
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &JSONParseError{Input: string(respBody), Message: err.Error()}
	}
	return nil
}

func normalize(vec []float64) []float32 {
	var magnitude float64
	for _, v := range vec {
		magnitude += v * v
	}
	magnitude = math.Sqrt(magnitude)

	out := make([]float32, len(vec))
	for i, v := range vec {
		if magnitude == 0 {
			out[i] = float32(v)
			continue
		}
		out[i] = float32(v / magnitude)
	}
	return out
}

var (
	_ Client   = (*Ollama)(nil)
	_ Embedder = (*Ollama)(nil)
)

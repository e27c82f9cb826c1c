// Package llm provides the language-model collaborators used by the
// assistant: chat completion with tool calling and text embeddings.
package llm

import "context"

// Client completes chat requests.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

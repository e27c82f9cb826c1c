package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/prompt"
)

// maxPassageRunes bounds how much of each passage is sent for scoring.
const maxPassageRunes = 600

// Reranker reorders candidate passages by relevance and keeps the best topK.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Document, error)
}

// LLMReranker asks a language model to score each passage from 0 to 10.
type LLMReranker struct {
	client llm.Client
	model  string
}

// NewLLMReranker creates a reranker backed by client. An empty model uses
// the client's default.
func NewLLMReranker(client llm.Client, model string) *LLMReranker {
	return &LLMReranker{client: client, model: model}
}

// Rerank implements Reranker. Scores are normalised to [0,1] and replace
// the retrieval scores. Ties keep retrieval order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Document, error) {
	if len(docs) == 0 {
		return docs, nil
	}

	var b strings.Builder
	for i, d := range docs {
		content := []rune(d.Content)
		if len(content) > maxPassageRunes {
			content = content[:maxPassageRunes]
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n\n", i+1, d.Title, string(content))
	}
	text, err := prompt.Rerank.Render(map[string]any{"query": query, "passages": b.String()})
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: text}},
		Model:       r.model,
		Temperature: llm.Temperature(0),
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	var out struct {
		Scores []float64 `json:"scores"`
	}
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(out.Scores) != len(docs) {
		return nil, fmt.Errorf("rerank: got %d scores for %d passages", len(out.Scores), len(docs))
	}

	ranked := make([]Document, len(docs))
	copy(ranked, docs)
	for i := range ranked {
		ranked[i].Score = clamp(out.Scores[i]/10, 0, 1)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return truncate(ranked, topK), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Pipeline retrieves candidates from a base Retriever and optionally
// reranks them.
type Pipeline struct {
	base        Retriever
	reranker    Reranker
	initialTopK int
	finalTopK   int
	logger      *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithReranker enables reranking. initialTopK candidates are retrieved and
// reduced to finalTopK by the reranker.
func WithReranker(r Reranker, initialTopK, finalTopK int) PipelineOption {
	return func(p *Pipeline) {
		p.reranker = r
		if initialTopK > 0 {
			p.initialTopK = initialTopK
		}
		if finalTopK > 0 {
			p.finalTopK = finalTopK
		}
	}
}

// WithPipelineLogger sets the logger for rerank failures.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline wraps base.
func NewPipeline(base Retriever, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{base: base, initialTopK: 15, finalTopK: 7, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Search implements Retriever. A rerank failure falls back to retrieval
// order.
func (p *Pipeline) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if p.reranker == nil {
		return p.base.Search(ctx, query, k)
	}

	docs, err := p.base.Search(ctx, query, max(p.initialTopK, k))
	if err != nil || len(docs) == 0 {
		return docs, err
	}

	ranked, err := p.reranker.Rerank(ctx, query, docs, p.finalTopK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("rerank failed, using retrieval order", slog.String("error", err.Error()))
		ranked = truncate(docs, p.finalTopK)
	}
	return truncate(ranked, k), nil
}

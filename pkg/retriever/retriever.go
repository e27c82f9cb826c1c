// Package retriever finds documentation passages for a query.
//
// Three search methods are supported: vector (embedding similarity),
// keyword (full-text ranking) and hybrid (a weighted blend of both). The
// PGVector retriever runs them against a postgres chunks table; the BM25
// Index is an in-process keyword retriever for local runs and tests.
// Pipeline adds optional reranking on top of any Retriever.
package retriever

import (
	"context"
	"fmt"
	"strings"
)

// Method selects how a Retriever scores passages.
type Method string

// Search methods.
const (
	MethodVector  Method = "vector"
	MethodKeyword Method = "keyword"
	MethodHybrid  Method = "hybrid"
)

// ParseMethod parses a method name. "bm25" is accepted for keyword.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vector", "":
		return MethodVector, nil
	case "keyword", "bm25":
		return MethodKeyword, nil
	case "hybrid":
		return MethodHybrid, nil
	}
	return "", fmt.Errorf("unknown search method %q", s)
}

// Document is a retrieved passage.
type Document struct {
	Content  string  `json:"content"`
	Title    string  `json:"title"`
	Filename string  `json:"filename"`
	ChunkID  int     `json:"chunk_id"`
	Score    float64 `json:"score"`
}

// Source identifies the document a passage came from.
type Source struct {
	Title    string `json:"title"`
	Filename string `json:"filename"`
}

// Retriever searches for the k passages most relevant to query, best first.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}

// Sources returns the distinct (title, filename) pairs of docs in first
// occurrence order.
func Sources(docs []Document) []Source {
	out := make([]Source, 0, len(docs))
	for _, d := range docs {
		out = append(out, Source{Title: d.Title, Filename: d.Filename})
	}
	return DedupeSources(out)
}

// DedupeSources drops repeated (title, filename) pairs, keeping the first.
func DedupeSources(sources []Source) []Source {
	seen := make(map[Source]struct{}, len(sources))
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func truncate(docs []Document, k int) []Document {
	if k > 0 && len(docs) > k {
		return docs[:k]
	}
	return docs
}

package retriever

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Index is an in-process BM25 keyword index. It is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	docs   []Document
	terms  []map[string]int
	lens   []int
	df     map[string]int
	totLen int
}

// NewIndex creates an index over docs.
func NewIndex(docs ...Document) *Index {
	idx := &Index{df: make(map[string]int)}
	idx.Add(docs...)
	return idx
}

// Add indexes more documents.
func (x *Index) Add(docs ...Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range docs {
		tf := make(map[string]int)
		toks := tokenize(d.Content + " " + d.Title)
		for _, t := range toks {
			tf[t]++
		}
		for t := range tf {
			x.df[t]++
		}
		x.docs = append(x.docs, d)
		x.terms = append(x.terms, tf)
		x.lens = append(x.lens, len(toks))
		x.totLen += len(toks)
	}
}

// Len returns the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Search implements Retriever. Documents that share no term with the query
// are not returned.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	n := len(x.docs)
	if n == 0 {
		return []Document{}, nil
	}
	avg := float64(x.totLen) / float64(n)

	qterms := uniq(tokenize(query))
	type hit struct {
		i     int
		score float64
	}
	var hits []hit
	for i, tf := range x.terms {
		var score float64
		for _, t := range qterms {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			df := float64(x.df[t])
			idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
			norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(x.lens[i])/avg))
			score += idf * norm
		}
		if score > 0 {
			hits = append(hits, hit{i: i, score: score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	out := make([]Document, 0, len(hits))
	for _, h := range hits {
		d := x.docs[h.i]
		d.Score = h.score
		out = append(out, d)
	}
	return truncate(out, k), nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

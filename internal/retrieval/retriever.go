package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable reports that the embedding backend could not be reached.
// Callers may proceed ungrounded instead of failing the whole turn.
var ErrUnavailable = errors.New("retrieval unavailable")

const (
	maxTopK = 10

	// DefaultMinScore is the relevance floor below which passages are not
	// worth grounding on. Tunable via config.
	DefaultMinScore = 0.25
)

// Embedder turns texts into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever answers similarity queries against the shared knowledge index.
type Retriever struct {
	index    *Index
	embedder Embedder
	minScore float64
}

func NewRetriever(index *Index, embedder Embedder, minScore float64) *Retriever {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Retriever{index: index, embedder: embedder, minScore: minScore}
}

// Retrieve returns the top-k passages most relevant to query, best first.
// An empty result is not an error: it means nothing cleared the relevance
// floor and the caller decides how to degrade.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("retrieve: empty query")
	}
	if k < 1 {
		k = 1
	}
	if k > maxTopK {
		k = maxTopK
	}
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one query", ErrUnavailable, len(vecs))
	}
	return r.index.Search(vecs[0], k, r.minScore), nil
}

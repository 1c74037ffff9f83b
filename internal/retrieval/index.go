package retrieval

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// Passage is one retrievable chunk of source-document text with its embedding.
// Stored passages never carry a score; Score is populated only on the copies
// returned from a query and is meaningful only relative to that query.
type Passage struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
	Score     float64   `json:"-"`
}

// snapshot is the on-disk index format produced at index-build time.
type snapshot struct {
	Metric   string    `json:"metric"`
	Passages []Passage `json:"passages"`
}

// Index is the process-wide knowledge index: built once, read-only afterwards,
// safe to share across all call workers. Similarity is cosine; vectors are
// unit-normalized at load so search reduces to a dot product.
type Index struct {
	passages []Passage
}

// NewIndex builds an index over the given passages, normalizing embeddings.
func NewIndex(passages []Passage) (*Index, error) {
	if len(passages) == 0 {
		return &Index{}, nil
	}
	dim := len(passages[0].Embedding)
	for i := range passages {
		if len(passages[i].Embedding) != dim || dim == 0 {
			return nil, fmt.Errorf("index: passage %q has embedding dim %d, want %d", passages[i].ID, len(passages[i].Embedding), dim)
		}
		normalize(passages[i].Embedding)
	}
	return &Index{passages: passages}, nil
}

// LoadIndex reads a JSON index snapshot.
func LoadIndex(r io.Reader) (*Index, error) {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("index: decode snapshot: %w", err)
	}
	if snap.Metric != "" && snap.Metric != "cosine" {
		// The query path normalizes and dot-products; anything else would
		// silently return wrong scores.
		return nil, fmt.Errorf("index: unsupported metric %q (index must be built with cosine)", snap.Metric)
	}
	return NewIndex(snap.Passages)
}

// LoadIndexFile reads a JSON index snapshot from disk.
func LoadIndexFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadIndex(f)
}

// Len reports the number of indexed passages.
func (ix *Index) Len() int { return len(ix.passages) }

// Search returns up to k passages ordered by descending cosine similarity to
// the query vector. Passages scoring below minScore are dropped.
func (ix *Index) Search(query []float32, k int, minScore float64) []Passage {
	if len(ix.passages) == 0 || k <= 0 {
		return nil
	}
	q := make([]float32, len(query))
	copy(q, query)
	normalize(q)

	scored := make([]Passage, 0, len(ix.passages))
	for _, p := range ix.passages {
		if len(p.Embedding) != len(q) {
			continue
		}
		s := dot(q, p.Embedding)
		if s < minScore {
			continue
		}
		cp := p
		cp.Score = s
		scored = append(scored, cp)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

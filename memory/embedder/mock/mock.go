// Package mock provides a deterministic embedder for tests and local
// development. Equal inputs always produce equal vectors, so
// content-addressed writes and similarity assertions are reproducible.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

const defaultDimensions = 384

// Embedder generates hash-derived unit vectors. It never fails and
// needs no model files.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the default vector size.
func New() *Embedder {
	return &Embedder{dimensions: defaultDimensions}
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *Embedder {
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed derives a deterministic embedding from the text hash. The hash
// seeds a linear congruential generator whose outputs fill the vector,
// which is then normalized so cosine distance behaves.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

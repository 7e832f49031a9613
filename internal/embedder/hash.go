package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder is the zero-dependency default driver: it hashes each
// whitespace token into a bucket of a fixed-length vector and
// normalizes the result to unit length, giving a deterministic,
// offline embedding good enough for the search engine's cosine ranking
// and for running the whole stack without an external embeddings
// provider configured.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hashing embedder with the given vector
// dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dim() int        { return h.dim }
func (h *HashEmbedder) Available() bool { return true }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	tokens := strings.Fields(strings.ToLower(text))
	for _, tok := range tokens {
		fh := fnv.New32a()
		_, _ = fh.Write([]byte(tok))
		bucket := fh.Sum32() % uint32(h.dim)
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec, nil
}

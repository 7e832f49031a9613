// Package embedder turns agent text (name, capabilities, context brief)
// into fixed-length vectors for the search engine's cosine-similarity
// ranking. Drivers are held by a named Registry: a zero-dependency
// hash driver that always works, and an HTTP driver for a real
// embeddings endpoint.
package embedder

import "context"

// Embedder turns text into a vector. Dim reports the vector length so
// callers can size storage before the first Embed call; Available
// reports whether the driver is currently usable (e.g. an HTTP driver
// whose last Embed call failed reports false).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
	Available() bool
}

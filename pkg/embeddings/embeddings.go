// Package embeddings defines the text-embedding contract used by the
// pgvector retrieval backend.
package embeddings

import "context"

// Provider turns text into a fixed-dimension embedding vector.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the vector dimensionality this provider produces.
	Dimensions() int

	// ModelID identifies the underlying embedding model.
	ModelID() string
}

// Package embeddings defines the Provider interface for text embedding backends.
//
// A provider maps text to dense float32 vectors. Hemdan uses them for lore
// chunks and for the conversation memory collection; both are searched by
// nearest-neighbour distance in a [vectorstore.Collection].
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// ErrProvider marks failures of the embedding backend itself (transport,
// authentication, malformed responses). Callers test for it with errors.Is to
// tell provider trouble apart from caller mistakes.
var ErrProvider = errors.New("embeddings: provider failure")

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider share the length reported by
// Dimensions. Vectors from different models must not be mixed in one
// collection.
type Provider interface {
	// Embed computes the embedding of a single text. The text is passed to the
	// model verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one provider call. The i-th result belongs to
	// texts[i]. The call is atomic: on error the returned slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length of the model.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}

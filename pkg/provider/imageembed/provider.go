// Package imageembed defines the Provider interface for image feature
// extractors and the deterministic preprocessing they share.
//
// Every provider produces one fixed-length vector per input image. A single
// unreadable image never fails a batch: its slot holds a zero vector of the
// right length and the failure is logged. Callers detect such slots with
// [vectorstore.IsZero].
package imageembed

import (
	"context"
	"errors"
	"image"
)

// DefaultDimensions is the output width of the ResNet-50 global-average-pool
// feature extractor.
const DefaultDimensions = 2048

// ErrProvider marks failures of the model server itself (transport, bad
// status, malformed output). Such failures abort the whole call.
var ErrProvider = errors.New("imageembed: provider failure")

// Ref identifies one image to embed: either a file on disk or a decoded
// frame already in memory. Image takes precedence when both are set.
type Ref struct {
	Path  string
	Image image.Image
}

// FromPath returns a Ref for the image file at path.
func FromPath(path string) Ref { return Ref{Path: path} }

// FromImage returns a Ref for an in-memory image.
func FromImage(img image.Image) Ref { return Ref{Image: img} }

// String returns the path, or "<memory>" for in-memory frames.
func (r Ref) String() string {
	if r.Image != nil || r.Path == "" {
		return "<memory>"
	}
	return r.Path
}

// Provider is the abstraction over an image embedding backend.
type Provider interface {
	// EmbedImages returns one vector per ref, in order. len(result) always
	// equals len(refs) when err is nil. Refs that cannot be read or decoded
	// yield a zero vector.
	EmbedImages(ctx context.Context, refs []Ref) ([][]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string

	// Ready returns nil once the model is loaded and serving.
	Ready(ctx context.Context) error
}

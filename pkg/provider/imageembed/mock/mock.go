// Package mock provides a test double for imageembed.Provider.
//
// The mock never decodes images. A path ref whose file does not exist yields
// a zero vector, like a real provider's per-image failure; every other ref
// is mapped through VectorFunc, or a hash of its path when VectorFunc is nil.
package mock

import (
	"context"
	"os"
	"sync"

	embedmock "github.com/MrWong99/hemdan/pkg/provider/embeddings/mock"
	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
)

var _ imageembed.Provider = (*Provider)(nil)

// EmbedCall records one EmbedImages invocation.
type EmbedCall struct {
	Ctx  context.Context
	Refs []imageembed.Ref
}

// Provider is a mock implementation of imageembed.Provider.
type Provider struct {
	mu sync.Mutex

	// VectorFunc maps a readable ref to its vector.
	VectorFunc func(ref imageembed.Ref) []float32

	// EmbedErr, if non-nil, fails every EmbedImages call.
	EmbedErr error

	// ReadyErr is returned by Ready.
	ReadyErr error

	// DimensionsValue is the vector length; zero means imageembed.DefaultDimensions.
	DimensionsValue int

	ModelIDValue string

	EmbedCalls []EmbedCall
	ReadyCalls int
}

// EmbedImages implements imageembed.Provider.
func (p *Provider) EmbedImages(ctx context.Context, refs []imageembed.Ref) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Refs: append([]imageembed.Ref(nil), refs...)})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	dims := p.dims()
	out := make([][]float32, len(refs))
	for i, ref := range refs {
		switch {
		case ref.Image == nil && ref.Path == "":
			out[i] = make([]float32, dims)
		case ref.Image == nil && !exists(ref.Path):
			out[i] = make([]float32, dims)
		case p.VectorFunc != nil:
			out[i] = p.VectorFunc(ref)
		default:
			out[i] = embedmock.HashVector(ref.String(), dims)
		}
	}
	return out, nil
}

// Dimensions implements imageembed.Provider.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID implements imageembed.Provider.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Ready implements imageembed.Provider.
func (p *Provider) Ready(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadyCalls++
	return p.ReadyErr
}

// Calls returns a copy of the recorded EmbedImages calls.
func (p *Provider) Calls() []EmbedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EmbedCall(nil), p.EmbedCalls...)
}

func (p *Provider) dims() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return imageembed.DefaultDimensions
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/hemdan/pkg/provider/embeddings"
	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	llm         map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings  map[string]func(ProviderEntry) (embeddings.Provider, error)
	imageEmbed  map[string]func(ImageEmbedder) (imageembed.Provider, error)
	vectorStore map[VectorBackend]func(context.Context, VectorStoreConfig) (vectorstore.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:         make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings:  make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		imageEmbed:  make(map[string]func(ImageEmbedder) (imageembed.Provider, error)),
		vectorStore: make(map[VectorBackend]func(context.Context, VectorStoreConfig) (vectorstore.Store, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterImageEmbedder registers an image embedding provider factory under name.
func (r *Registry) RegisterImageEmbedder(name string, factory func(ImageEmbedder) (imageembed.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imageEmbed[name] = factory
}

// RegisterVectorStore registers a vector store factory for backend.
func (r *Registry) RegisterVectorStore(backend VectorBackend, factory func(context.Context, VectorStoreConfig) (vectorstore.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectorStore[backend] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateImageEmbedder instantiates an image embedding provider using the factory registered under entry.Name.
func (r *Registry) CreateImageEmbedder(entry ImageEmbedder) (imageembed.Provider, error) {
	r.mu.RLock()
	factory, ok := r.imageEmbed[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: image_embedder/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVectorStore opens the store for cfg.Backend.
func (r *Registry) CreateVectorStore(ctx context.Context, cfg VectorStoreConfig) (vectorstore.Store, error) {
	r.mu.RLock()
	factory, ok := r.vectorStore[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vectorstore/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}

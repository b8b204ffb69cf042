package vectorstore

import (
	"context"
	"fmt"
)

// Embedder turns a batch of texts into vectors. It matches the EmbedBatch
// method of the text embedding providers.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// TextCollection is a [Collection] with an attached embedding function, so
// documents and queries can be passed as text.
type TextCollection struct {
	Collection
	embedder Embedder
}

// WithEmbedder attaches e to c. Collections queried only with explicit
// vectors (such as image collections) should not use this.
func WithEmbedder(c Collection, e Embedder) *TextCollection {
	return &TextCollection{Collection: c, embedder: e}
}

// AddDocuments embeds docs in one batch and appends them with the given ids
// and metadata. ids, docs, and metas must have equal length; metas may be nil.
func (t *TextCollection) AddDocuments(ctx context.Context, ids, docs []string, metas []map[string]string) error {
	if len(ids) != len(docs) || (metas != nil && len(metas) != len(docs)) {
		return fmt.Errorf("vectorstore: %s: ids, docs, and metadata lengths differ (%d, %d, %d)",
			t.Spec().Name, len(ids), len(docs), len(metas))
	}
	if len(docs) == 0 {
		return nil
	}
	vecs, err := t.embedder.EmbedBatch(ctx, docs)
	if err != nil {
		return fmt.Errorf("vectorstore: %s: embed documents: %w", t.Spec().Name, err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("vectorstore: %s: embedder returned %d vectors for %d documents", t.Spec().Name, len(vecs), len(docs))
	}
	records := make([]Record, len(docs))
	for i := range docs {
		records[i] = Record{ID: ids[i], Embedding: vecs[i], Document: docs[i]}
		if metas != nil {
			records[i].Metadata = metas[i]
		}
	}
	return t.Add(ctx, records)
}

// QueryText embeds text and runs a nearest-neighbour query.
func (t *TextCollection) QueryText(ctx context.Context, text string, k int, where map[string]string) ([]Match, error) {
	vecs, err := t.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: %s: embed query: %w", t.Spec().Name, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("vectorstore: %s: embedder returned %d vectors for one query", t.Spec().Name, len(vecs))
	}
	return t.Query(ctx, Query{Embedding: vecs[0], K: k, Where: where})
}

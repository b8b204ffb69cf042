// Package lore is the text retrieval side of Hemdan: it chunks the static
// lore corpus once into a vector collection and answers nearest-passage
// queries for the dialogue orchestrator.
//
// Retrieval never fails a turn. When embedding or the store breaks,
// [Index.Retrieve] logs and returns no passages so the reply is generated
// without lore instead of not at all.
package lore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// ErrCorpusMissing is returned by [Index.IngestOnce] when the corpus file
// cannot be read.
var ErrCorpusMissing = errors.New("lore: corpus missing")

// DefaultTopK is the number of passages returned when k <= 0.
const DefaultTopK = 3

// embedBatchSize bounds the number of passages sent per embedding request.
const embedBatchSize = 64

// Passage is a retrieved chunk with its provenance.
type Passage struct {
	ID       string
	Text     string
	Source   string
	Index    int
	Distance float32
}

// Index owns the lore collection.
type Index struct {
	coll     *vectorstore.TextCollection
	typed    *vectorstore.Typed[ChunkMeta]
	embedder vectorstore.Embedder
	chunker  Chunker
	topK     int
	metrics  *observe.Metrics
}

// Option configures an [Index].
type Option func(*Index)

// WithChunker replaces the default [Paragraphs] chunker.
func WithChunker(c Chunker) Option { return func(ix *Index) { ix.chunker = c } }

// WithTopK sets the number of passages returned when a caller passes k <= 0.
func WithTopK(k int) Option {
	return func(ix *Index) {
		if k > 0 {
			ix.topK = k
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(ix *Index) { ix.metrics = m } }

// New returns an index over coll that embeds text with embedder.
func New(coll vectorstore.Collection, embedder vectorstore.Embedder, opts ...Option) *Index {
	ix := &Index{
		coll:     vectorstore.WithEmbedder(coll, embedder),
		typed:    vectorstore.NewTyped(coll, Codec),
		embedder: embedder,
		chunker:  Paragraphs{},
		topK:     DefaultTopK,
	}
	for _, o := range opts {
		o(ix)
	}
	if ix.metrics == nil {
		ix.metrics = observe.DefaultMetrics()
	}
	return ix
}

// Count returns the number of stored chunks.
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.coll.Count(ctx)
}

// IngestOnce chunks, embeds, and stores the corpus at path unless the
// collection already holds chunks, in which case it returns 0 without
// reading the file. Chunks are written in a single batch so a failed ingest
// leaves the collection empty.
func (ix *Index) IngestOnce(ctx context.Context, path string) (int, error) {
	n, err := ix.coll.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("lore: count: %w", err)
	}
	if n > 0 {
		slog.Info("lore already ingested", "collection", ix.coll.Spec().Name, "chunks", n)
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCorpusMissing, err)
	}
	texts := ix.chunker.Split(string(raw))
	if len(texts) == 0 {
		slog.Warn("lore corpus produced no chunks", "path", path)
		return 0, nil
	}

	start := time.Now()
	vecs, err := ix.embedAll(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("lore: embed corpus: %w", err)
	}
	ix.metrics.RecordEmbed(ctx, "text", time.Since(start))

	source := filepath.Base(path)
	items := make([]vectorstore.Item[ChunkMeta], len(texts))
	for i, text := range texts {
		items[i] = vectorstore.Item[ChunkMeta]{
			ID:        uuid.NewString(),
			Embedding: vecs[i],
			Document:  text,
			Meta:      ChunkMeta{Source: source, Index: i},
		}
	}
	if err := ix.typed.AddItems(ctx, items); err != nil {
		return 0, fmt.Errorf("lore: store chunks: %w", err)
	}
	ix.metrics.RecordIngest(ctx, "lore", len(items))
	slog.Info("lore ingested", "path", path, "chunks", len(items), "elapsed", time.Since(start))
	return len(items), nil
}

func (ix *Index) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		batch := texts[start:min(start+embedBatchSize, len(texts))]
		vecs, err := ix.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Retrieve returns the text of the k passages nearest to query, nearest
// first. Failures are logged and yield an empty result.
func (ix *Index) Retrieve(ctx context.Context, query string, k int) []string {
	passages, err := ix.Passages(ctx, query, k)
	if err != nil {
		observe.Logger(ctx).Error("lore retrieval failed", "err", err)
		return []string{}
	}
	out := make([]string, len(passages))
	for i, p := range passages {
		out[i] = p.Text
	}
	return out
}

// Passages is [Index.Retrieve] with provenance and errors.
func (ix *Index) Passages(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = ix.topK
	}
	ctx, span := observe.StartSpan(ctx, "lore.retrieve")
	defer span.End()
	start := time.Now()
	defer func() { ix.metrics.RecordRetrieve(ctx, "lore", time.Since(start)) }()

	matches, err := ix.coll.QueryText(ctx, query, k, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	hits, err := vectorstore.DecodeMatches(Codec, matches)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("lore.passages", len(hits)))

	out := make([]Passage, len(hits))
	for i, h := range hits {
		out[i] = Passage{ID: h.ID, Text: h.Document, Source: h.Meta.Source, Index: h.Meta.Index, Distance: h.Distance}
	}
	return out, nil
}

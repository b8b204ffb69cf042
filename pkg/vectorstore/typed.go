package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrSchema is returned when stored metadata cannot be decoded into the
// collection's metadata type, typically because a required field is missing.
var ErrSchema = errors.New("vectorstore: metadata schema mismatch")

// Codec converts a collection's metadata record type to and from the flat
// string payload backends store.
type Codec[M any] interface {
	Encode(M) map[string]string
	Decode(map[string]string) (M, error)
}

// Hit is a typed query match.
type Hit[M any] struct {
	ID       string
	Document string
	Meta     M
	Distance float32
}

// Item is a typed record for insertion or listing.
type Item[M any] struct {
	ID        string
	Embedding []float32
	Document  string
	Meta      M
}

// Typed wraps a [Collection] so callers work with a defined metadata record
// type instead of string maps.
type Typed[M any] struct {
	Collection
	codec Codec[M]
}

// NewTyped returns a typed view of c using codec.
func NewTyped[M any](c Collection, codec Codec[M]) *Typed[M] {
	return &Typed[M]{Collection: c, codec: codec}
}

// AddItems encodes and appends items.
func (t *Typed[M]) AddItems(ctx context.Context, items []Item[M]) error {
	records := make([]Record, len(items))
	for i, it := range items {
		records[i] = Record{
			ID:        it.ID,
			Embedding: it.Embedding,
			Document:  it.Document,
			Metadata:  t.codec.Encode(it.Meta),
		}
	}
	return t.Add(ctx, records)
}

// Search runs q and decodes every match.
func (t *Typed[M]) Search(ctx context.Context, q Query) ([]Hit[M], error) {
	matches, err := t.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return DecodeMatches(t.codec, matches)
}

// List returns up to limit decoded items.
func (t *Typed[M]) List(ctx context.Context, g Get) ([]Item[M], error) {
	records, err := t.Get(ctx, g)
	if err != nil {
		return nil, err
	}
	items := make([]Item[M], 0, len(records))
	for _, r := range records {
		meta, err := t.codec.Decode(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", r.ID, err)
		}
		items = append(items, Item[M]{ID: r.ID, Embedding: r.Embedding, Document: r.Document, Meta: meta})
	}
	return items, nil
}

// DecodeMatches decodes raw matches with codec, preserving order.
func DecodeMatches[M any](codec Codec[M], matches []Match) ([]Hit[M], error) {
	hits := make([]Hit[M], 0, len(matches))
	for _, m := range matches {
		meta, err := codec.Decode(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", m.ID, err)
		}
		hits = append(hits, Hit[M]{ID: m.ID, Document: m.Document, Meta: meta, Distance: m.Distance})
	}
	return hits, nil
}

// ── Field helpers for codecs ─────────────────────────────────────────────────

// Require returns md[key] or an ErrSchema error when it is absent or empty.
func Require(md map[string]string, key string) (string, error) {
	v, ok := md[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %q", ErrSchema, key)
	}
	return v, nil
}

// RequireInt parses md[key] as a base-10 integer.
func RequireInt(md map[string]string, key string) (int, error) {
	v, err := Require(md, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer: %v", ErrSchema, key, err)
	}
	return n, nil
}

// RequireTime parses md[key] as RFC 3339.
func RequireTime(md map[string]string, key string) (time.Time, error) {
	v, err := Require(md, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a timestamp: %v", ErrSchema, key, err)
	}
	return ts, nil
}

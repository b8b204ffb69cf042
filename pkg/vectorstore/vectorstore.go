// Package vectorstore defines the persistent collection abstraction Hemdan
// uses for lore chunks, conversation memory, and place images.
//
// A [Store] hands out named [Collection] values. Every collection is created
// with a fixed [CollectionSpec] (dimensionality and distance metric); opening
// an existing collection with a different spec fails with [ErrSpecMismatch].
// Collections are append-only: [Collection.Add] rejects ids that already exist
// with [ErrDuplicateID] and vectors of the wrong length with
// [ErrDimensionMismatch], before anything is written.
//
// Query results are always ordered by ascending distance. A query against an
// empty collection returns an empty slice, never an error.
//
// Backends live in sub-packages:
//
//   - memstore: in-process exact search (tests, dry runs)
//   - sqlitevec: local SQLite file with the sqlite-vec extension
//   - postgres: PostgreSQL + pgvector
//   - qdrant: Qdrant over gRPC
//   - chroma: Chroma over its REST v2 API
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrDuplicateID is returned by Add when a record id already exists in the
	// collection or appears twice in the same batch.
	ErrDuplicateID = errors.New("vectorstore: duplicate id")

	// ErrDimensionMismatch is returned when a vector's length differs from the
	// collection's configured dimensionality.
	ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")

	// ErrSpecMismatch is returned when an existing collection is opened with a
	// spec that disagrees with the one it was created with.
	ErrSpecMismatch = errors.New("vectorstore: collection spec mismatch")

	// ErrInvalidSpec is returned for a spec with no name, non-positive
	// dimensions, or an unknown distance metric.
	ErrInvalidSpec = errors.New("vectorstore: invalid collection spec")

	// ErrNotFound is returned by DeleteCollection for unknown collections.
	ErrNotFound = errors.New("vectorstore: collection not found")
)

// Distance selects the metric a collection ranks by. It must match what the
// embedding model was trained for.
type Distance string

const (
	// Cosine ranks by 1 - cosine similarity. Values fall in [0, 2].
	Cosine Distance = "cosine"

	// L2 ranks by Euclidean distance.
	L2 Distance = "l2"
)

// IsValid reports whether d is a supported metric.
func (d Distance) IsValid() bool {
	return d == Cosine || d == L2
}

// CollectionSpec fixes the shape of a collection at creation time.
type CollectionSpec struct {
	Name       string
	Dimensions int
	Distance   Distance
}

// Validate checks that the spec is usable. A zero Distance is rejected; use
// [CollectionSpec.WithDefaults] first to fill it in.
func (s CollectionSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	case s.Dimensions <= 0:
		return fmt.Errorf("%w: %q: dimensions must be positive, got %d", ErrInvalidSpec, s.Name, s.Dimensions)
	case !s.Distance.IsValid():
		return fmt.Errorf("%w: %q: unknown distance %q", ErrInvalidSpec, s.Name, s.Distance)
	}
	return nil
}

// WithDefaults returns s with Distance set to [Cosine] when empty.
func (s CollectionSpec) WithDefaults() CollectionSpec {
	if s.Distance == "" {
		s.Distance = Cosine
	}
	return s
}

// CheckCompatible returns [ErrSpecMismatch] if existing (the spec a collection
// was created with) disagrees with requested.
func CheckCompatible(existing, requested CollectionSpec) error {
	if existing.Dimensions != requested.Dimensions || existing.Distance != requested.Distance {
		return fmt.Errorf("%w: %q exists with dimensions=%d distance=%s, requested dimensions=%d distance=%s",
			ErrSpecMismatch, requested.Name,
			existing.Dimensions, existing.Distance,
			requested.Dimensions, requested.Distance)
	}
	return nil
}

// Record is a single stored item. Metadata is the backend-level flat payload;
// callers normally go through [Typed] instead of touching it directly.
type Record struct {
	ID        string
	Embedding []float32
	Document  string
	Metadata  map[string]string
}

// Match is a [Record] returned from a nearest-neighbour query together with
// its distance to the query vector.
type Match struct {
	Record
	Distance float32
}

// Query describes a nearest-neighbour search.
type Query struct {
	// Embedding is the query vector. Its length must equal the collection's
	// dimensionality.
	Embedding []float32

	// K is the maximum number of matches. Values <= 0 return nothing.
	K int

	// Where restricts matches to records whose metadata equals every
	// key/value pair given. Nil means no filter.
	Where map[string]string

	// IncludeEmbeddings asks the backend to return stored vectors. Off by
	// default since most callers only need metadata and distances.
	IncludeEmbeddings bool
}

// Get describes an unranked listing of stored records.
type Get struct {
	// Limit caps the number of returned records. Values <= 0 mean no limit.
	Limit int

	IncludeEmbeddings bool
}

// Collection is a named, independently queryable set of vectors plus
// metadata. Implementations must be safe for concurrent use.
type Collection interface {
	// Spec returns the spec the collection was opened with.
	Spec() CollectionSpec

	// Add appends records. It fails with ErrDuplicateID if any id already
	// exists and with ErrDimensionMismatch on a wrongly sized vector; in both
	// cases no record of the batch is stored.
	Add(ctx context.Context, records []Record) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Query returns up to q.K matches ordered by ascending distance.
	Query(ctx context.Context, q Query) ([]Match, error)

	// Get lists stored records in insertion order.
	Get(ctx context.Context, g Get) ([]Record, error)
}

// Store opens and deletes collections.
type Store interface {
	// Collection creates the named collection or opens it if it exists.
	Collection(ctx context.Context, spec CollectionSpec) (Collection, error)

	// DeleteCollection removes the collection and every record in it.
	DeleteCollection(ctx context.Context, name string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ValidateRecords applies the checks every backend performs before writing:
// non-empty ids, no duplicates inside the batch, and vectors of exactly
// spec.Dimensions finite values.
func ValidateRecords(spec CollectionSpec, records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("vectorstore: %s: record %d has an empty id", spec.Name, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: %q repeated in batch", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = struct{}{}
		if len(r.Embedding) != spec.Dimensions {
			return fmt.Errorf("%w: %s: record %q has %d dimensions, want %d",
				ErrDimensionMismatch, spec.Name, r.ID, len(r.Embedding), spec.Dimensions)
		}
		for _, v := range r.Embedding {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("vectorstore: %s: record %q has a non-finite value", spec.Name, r.ID)
			}
		}
	}
	return nil
}

// ValidateQuery checks the query vector length against spec.
func ValidateQuery(spec CollectionSpec, q Query) error {
	if len(q.Embedding) != spec.Dimensions {
		return fmt.Errorf("%w: %s: query has %d dimensions, want %d",
			ErrDimensionMismatch, spec.Name, len(q.Embedding), spec.Dimensions)
	}
	return nil
}

// CheckQuery validates q for a collection that counts its records with
// count. An empty collection answers every query with no matches, so a
// dimension mismatch is only reported once records exist; empty is true
// when the caller should return an empty result.
func CheckQuery(ctx context.Context, count func(context.Context) (int, error), spec CollectionSpec, q Query) (empty bool, err error) {
	verr := ValidateQuery(spec, q)
	if verr == nil {
		return false, nil
	}
	n, err := count(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return false, verr
}

// MatchesWhere reports whether metadata satisfies every equality in where.
func MatchesWhere(metadata, where map[string]string) bool {
	for k, v := range where {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Package vectortest holds a behavioural test suite shared by every
// [vectorstore.Store] backend.
package vectortest

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// Factory returns a fresh, empty store for one sub-test. Implementations
// should register cleanup with t.Cleanup.
type Factory func(t *testing.T) vectorstore.Store

// Run exercises the full collection contract against stores built by f.
func Run(t *testing.T, f Factory) {
	t.Run("AddCountQuery", func(t *testing.T) { testAddCountQuery(t, f(t)) })
	t.Run("EmptyQuery", func(t *testing.T) { testEmptyQuery(t, f(t)) })
	t.Run("FewerThanK", func(t *testing.T) { testFewerThanK(t, f(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, f(t)) })
	t.Run("DimensionMismatch", func(t *testing.T) { testDimensionMismatch(t, f(t)) })
	t.Run("SpecMismatch", func(t *testing.T) { testSpecMismatch(t, f(t)) })
	t.Run("WhereFilter", func(t *testing.T) { testWhere(t, f(t)) })
	t.Run("GetLimit", func(t *testing.T) { testGet(t, f(t)) })
	t.Run("DeleteCollection", func(t *testing.T) { testDelete(t, f(t)) })
}

func spec(name string) vectorstore.CollectionSpec {
	return vectorstore.CollectionSpec{Name: name, Dimensions: 3, Distance: vectorstore.Cosine}
}

func open(t *testing.T, s vectorstore.Store, sp vectorstore.CollectionSpec) vectorstore.Collection {
	t.Helper()
	c, err := s.Collection(context.Background(), sp)
	if err != nil {
		t.Fatalf("Collection(%q): %v", sp.Name, err)
	}
	return c
}

// axis returns records pointing along x, y, and z with names a, b, c.
func axis() []vectorstore.Record {
	return []vectorstore.Record{
		{ID: "a", Embedding: []float32{1, 0, 0}, Document: "alpha", Metadata: map[string]string{"name": "a", "group": "one"}},
		{ID: "b", Embedding: []float32{0, 1, 0}, Document: "beta", Metadata: map[string]string{"name": "b", "group": "two"}},
		{ID: "c", Embedding: []float32{0.9, 0.1, 0}, Document: "gamma", Metadata: map[string]string{"name": "c", "group": "one"}},
	}
}

func testAddCountQuery(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	c := open(t, s, spec("basic"))

	if err := c.Add(ctx, axis()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	n, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}

	got, err := c.Query(ctx, vectorstore.Query{Embedding: []float32{1, 0, 0}, K: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("order = [%s %s], want [a c]", got[0].ID, got[1].ID)
	}
	if got[0].Distance > got[1].Distance {
		t.Errorf("distances not ascending: %v > %v", got[0].Distance, got[1].Distance)
	}
	if got[0].Distance > 1e-4 {
		t.Errorf("distance to identical vector = %v, want ~0", got[0].Distance)
	}
	if got[0].Metadata["name"] != "a" || got[0].Document != "alpha" {
		t.Errorf("match payload = %+v / %q, want name=a doc=alpha", got[0].Metadata, got[0].Document)
	}
}

func testEmptyQuery(t *testing.T, s vectorstore.Store) {
	c := open(t, s, spec("empty"))
	got, err := c.Query(context.Background(), vectorstore.Query{Embedding: []float32{1, 0, 0}, K: 5})
	if err != nil {
		t.Fatalf("Query on empty collection: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("matches = %v, want empty non-nil slice", got)
	}
}

func testFewerThanK(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	c := open(t, s, spec("fewer"))
	if err := c.Add(ctx, axis()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := c.Query(ctx, vectorstore.Query{Embedding: []float32{0, 1, 0}, K: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(matches) = %d, want 3", len(got))
	}
	if got[0].ID != "b" {
		t.Errorf("nearest = %q, want b", got[0].ID)
	}
}

func testDuplicateID(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	c := open(t, s, spec("dupes"))
	if err := c.Add(ctx, axis()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := c.Add(ctx, []vectorstore.Record{
		{ID: "fresh", Embedding: []float32{0, 0, 1}},
		{ID: "a", Embedding: []float32{0, 0, 1}},
	})
	if !errors.Is(err, vectorstore.ErrDuplicateID) {
		t.Fatalf("Add existing id: err = %v, want ErrDuplicateID", err)
	}
	n, _ := c.Count(ctx)
	if n != 3 {
		t.Errorf("Count after rejected batch = %d, want 3", n)
	}

	err = c.Add(ctx, []vectorstore.Record{
		{ID: "x", Embedding: []float32{0, 0, 1}},
		{ID: "x", Embedding: []float32{0, 0, 1}},
	})
	if !errors.Is(err, vectorstore.ErrDuplicateID) {
		t.Fatalf("Add repeated id: err = %v, want ErrDuplicateID", err)
	}
}

func testDimensionMismatch(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	c := open(t, s, spec("dims"))
	err := c.Add(ctx, []vectorstore.Record{{ID: "a", Embedding: []float32{1, 0}}})
	if !errors.Is(err, vectorstore.ErrDimensionMismatch) {
		t.Fatalf("Add: err = %v, want ErrDimensionMismatch", err)
	}

	// An empty collection has nothing to compare against.
	got, err := c.Query(ctx, vectorstore.Query{Embedding: []float32{1, 0, 0, 0}, K: 1})
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("Query on empty collection = %v, %v, want empty non-nil slice", got, err)
	}

	if err := c.Add(ctx, axis()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = c.Query(ctx, vectorstore.Query{Embedding: []float32{1, 0, 0, 0}, K: 1})
	if !errors.Is(err, vectorstore.ErrDimensionMismatch) {
		t.Fatalf("Query: err = %v, want ErrDimensionMismatch", err)
	}
}

func testSpecMismatch(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	open(t, s, spec("shape"))

	other := spec("shape")
	other.Dimensions = 4
	if _, err := s.Collection(ctx, other); !errors.Is(err, vectorstore.ErrSpecMismatch) {
		t.Errorf("reopen with other dimensions: err = %v, want ErrSpecMismatch", err)
	}
	other = spec("shape")
	other.Distance = vectorstore.L2
	if _, err := s.Collection(ctx, other); !errors.Is(err, vectorstore.ErrSpecMismatch) {
		t.Errorf("reopen with other distance: err = %v, want ErrSpecMismatch", err)
	}
	if _, err := s.Collection(ctx, spec("shape")); err != nil {
		t.Errorf("reopen with same spec: %v", err)
	}
}

func testWhere(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	c := open(t, s, spec("where"))
	if err := c.Add(ctx, axis()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := c.Query(ctx, vectorstore.Query{
		Embedding: []float32{0, 1, 0},
		K:         5,
		Where:     map[string]string{"group": "one"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(got))
	}
	for _, m := range got {
		if m.Metadata["group"] != "one" {
			t.Errorf("match %q has group %q, want one", m.ID, m.Metadata["group"])
		}
	}
}

func testGet(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	c := open(t, s, spec("get"))
	if err := c.Add(ctx, axis()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := c.Get(ctx, vectorstore.Get{Limit: 2, IncludeEmbeddings: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(got))
	}
	for _, r := range got {
		if len(r.Embedding) != 3 {
			t.Errorf("record %q embedding length = %d, want 3", r.ID, len(r.Embedding))
		}
	}
	all, err := c.Get(ctx, vectorstore.Get{})
	if err != nil {
		t.Fatalf("Get all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func testDelete(t *testing.T, s vectorstore.Store) {
	ctx := context.Background()
	c := open(t, s, spec("doomed"))
	if err := c.Add(ctx, axis()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.DeleteCollection(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	c = open(t, s, spec("doomed"))
	n, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("Count after delete = %d, want 0", n)
	}
}

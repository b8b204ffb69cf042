package sqlitevec_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
	"github.com/MrWong99/hemdan/pkg/vectorstore/sqlitevec"
	"github.com/MrWong99/hemdan/pkg/vectorstore/vectortest"
)

func newStore(t *testing.T, path string) *sqlitevec.Store {
	t.Helper()
	s, err := sqlitevec.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	vectortest.Run(t, func(t *testing.T) vectorstore.Store { return newStore(t, ":memory:") })
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := sqlitevec.Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReopen_PersistsRecordsAndSpec(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hemdan.db")
	spec := vectorstore.CollectionSpec{Name: "places", Dimensions: 2, Distance: vectorstore.L2}

	first, err := sqlitevec.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c, err := first.Collection(ctx, spec)
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	if err := c.Add(ctx, []vectorstore.Record{
		{ID: "a", Embedding: []float32{0, 0}, Metadata: map[string]string{"name": "Obelisk"}},
		{ID: "b", Embedding: []float32{3, 4}, Metadata: map[string]string{"name": "Gate"}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	first.Close()

	second := newStore(t, path)
	if _, err := second.Collection(ctx, vectorstore.CollectionSpec{Name: "places", Dimensions: 3}); !errors.Is(err, vectorstore.ErrSpecMismatch) {
		t.Errorf("reopen with other spec: err = %v, want ErrSpecMismatch", err)
	}
	c, err = second.Collection(ctx, spec)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n, _ := c.Count(ctx); n != 2 {
		t.Errorf("Count after reopen = %d, want 2", n)
	}
	got, err := c.Query(ctx, vectorstore.Query{Embedding: []float32{0, 0}, K: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[1].ID != "b" || got[1].Distance < 4.99 || got[1].Distance > 5.01 {
		t.Errorf("matches = %+v, want b at distance 5", got)
	}
}

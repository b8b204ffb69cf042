package qdrant

import (
	"context"
	"os"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
	"github.com/MrWong99/hemdan/pkg/vectorstore/vectortest"
)

func TestPointID(t *testing.T) {
	const u = "5b8c1a1e-8a4f-4c6b-9f57-1d2a0c7e3b11"
	if got := pointID(u).GetUuid(); got != u {
		t.Errorf("pointID(uuid) = %q, want unchanged", got)
	}
	a, b := pointID("obelisk_0").GetUuid(), pointID("obelisk_0").GetUuid()
	if a != b {
		t.Errorf("pointID not deterministic: %q vs %q", a, b)
	}
	if a == pointID("obelisk_1").GetUuid() {
		t.Error("distinct ids mapped to the same point id")
	}
}

func TestRecord_SplitsReservedFields(t *testing.T) {
	payload := map[string]*pb.Value{
		fieldID:       stringValue("p1"),
		fieldDocument: stringValue("doc"),
		fieldSeq:      {Kind: &pb.Value_IntegerValue{IntegerValue: 3}},
		"name":        stringValue("Karnak"),
	}
	r := record(payload)
	if r.ID != "p1" || r.Document != "doc" {
		t.Errorf("record = %+v, want id p1 doc", r)
	}
	if len(r.Metadata) != 1 || r.Metadata["name"] != "Karnak" {
		t.Errorf("metadata = %v, want only name", r.Metadata)
	}
}

func TestDistanceMapping(t *testing.T) {
	for _, d := range []vectorstore.Distance{vectorstore.Cosine, vectorstore.L2} {
		if got := fromQdrant(toQdrant(d)); got != d {
			t.Errorf("fromQdrant(toQdrant(%s)) = %s", d, got)
		}
	}
}

// TestConformance runs against a live Qdrant. Every collection on the
// target instance is deleted between sub-tests.
func TestConformance(t *testing.T) {
	addr := os.Getenv("HEMDAN_TEST_QDRANT_ADDR")
	if addr == "" {
		t.Skip("HEMDAN_TEST_QDRANT_ADDR not set, skipping Qdrant integration tests")
	}
	vectortest.Run(t, func(t *testing.T) vectorstore.Store {
		s, err := New(addr)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		ctx := context.Background()
		list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, c := range list.GetCollections() {
			if err := s.DeleteCollection(ctx, c.GetName()); err != nil {
				t.Fatalf("reset %s: %v", c.GetName(), err)
			}
		}
		return s
	})
}

// Package memstore is an in-process [vectorstore.Store] that keeps every
// collection in memory and answers queries with an exact linear scan.
//
// It is meant for tests and dry runs; nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

var (
	_ vectorstore.Store      = (*Store)(nil)
	_ vectorstore.Collection = (*Collection)(nil)
)

// Store holds named in-memory collections. It is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	collections map[string]*Collection
}

// New returns an empty Store.
func New() *Store {
	return &Store{collections: make(map[string]*Collection)}
}

// Collection implements [vectorstore.Store].
func (s *Store) Collection(_ context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[spec.Name]; ok {
		if err := vectorstore.CheckCompatible(c.spec, spec); err != nil {
			return nil, err
		}
		return c, nil
	}
	c := &Collection{spec: spec, index: make(map[string]int)}
	s.collections[spec.Name] = c
	return c, nil
}

// DeleteCollection implements [vectorstore.Store].
func (s *Store) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		return fmt.Errorf("%w: %q", vectorstore.ErrNotFound, name)
	}
	delete(s.collections, name)
	return nil
}

// Ping implements [vectorstore.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [vectorstore.Store].
func (s *Store) Close() error { return nil }

// Collection is a single in-memory collection.
type Collection struct {
	spec vectorstore.CollectionSpec

	mu      sync.RWMutex
	records []vectorstore.Record
	index   map[string]int
}

// Spec implements [vectorstore.Collection].
func (c *Collection) Spec() vectorstore.CollectionSpec { return c.spec }

// Add implements [vectorstore.Collection].
func (c *Collection) Add(_ context.Context, records []vectorstore.Record) error {
	if err := vectorstore.ValidateRecords(c.spec, records); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range records {
		if _, exists := c.index[r.ID]; exists {
			return fmt.Errorf("%w: %q", vectorstore.ErrDuplicateID, r.ID)
		}
	}
	for _, r := range records {
		c.index[r.ID] = len(c.records)
		c.records = append(c.records, clone(r))
	}
	return nil
}

// Count implements [vectorstore.Collection].
func (c *Collection) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}

// Query implements [vectorstore.Collection].
func (c *Collection) Query(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	empty, err := vectorstore.CheckQuery(ctx, c.Count, c.spec, q)
	if err != nil {
		return nil, err
	}
	if empty {
		return []vectorstore.Match{}, nil
	}
	if q.K <= 0 {
		return []vectorstore.Match{}, nil
	}

	c.mu.RLock()
	matches := make([]vectorstore.Match, 0, len(c.records))
	for _, r := range c.records {
		if !vectorstore.MatchesWhere(r.Metadata, q.Where) {
			continue
		}
		m := vectorstore.Match{Record: clone(r), Distance: c.spec.Distance.Compute(q.Embedding, r.Embedding)}
		if !q.IncludeEmbeddings {
			m.Embedding = nil
		}
		matches = append(matches, m)
	}
	c.mu.RUnlock()

	// Stable so equal distances keep insertion order.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > q.K {
		matches = matches[:q.K]
	}
	return matches, nil
}

// Get implements [vectorstore.Collection].
func (c *Collection) Get(_ context.Context, g vectorstore.Get) ([]vectorstore.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.records)
	if g.Limit > 0 && g.Limit < n {
		n = g.Limit
	}
	out := make([]vectorstore.Record, n)
	for i := range n {
		out[i] = clone(c.records[i])
		if !g.IncludeEmbeddings {
			out[i].Embedding = nil
		}
	}
	return out, nil
}

func clone(r vectorstore.Record) vectorstore.Record {
	r.Embedding = slices.Clone(r.Embedding)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

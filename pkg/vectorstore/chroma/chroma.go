// Package chroma is a [vectorstore.Store] that talks to a Chroma server over
// its REST v2 API.
//
// Chroma's "l2" space reports squared Euclidean distance; this package takes
// the square root so distances agree with the other backends. The collection
// dimensionality is recorded in collection metadata so reopening with a
// different spec can be detected before the first insert.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

var (
	_ vectorstore.Store      = (*Store)(nil)
	_ vectorstore.Collection = (*Collection)(nil)
)

// DefaultBaseURL is where a locally started `chroma run` listens.
const DefaultBaseURL = "http://localhost:8000"

const (
	defaultTenant   = "default_tenant"
	defaultDatabase = "default_database"

	metaSpace      = "hnsw:space"
	metaDimensions = "hemdan:dimensions"
)

// errStatus is wrapped by every non-2xx response.
var errStatus = errors.New("chroma: unexpected status")

// Store is a Chroma REST client scoped to one tenant and database.
type Store struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// New returns a Store for the Chroma server at baseURL. An empty baseURL
// means [DefaultBaseURL].
func New(baseURL string, opts ...Option) *Store {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	s := &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) collectionsURL() string {
	return fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections", s.baseURL, defaultTenant, defaultDatabase)
}

type collectionModel struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// Collection implements [vectorstore.Store].
func (s *Store) Collection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var col collectionModel
	err := s.do(ctx, http.MethodPost, s.collectionsURL(), map[string]any{
		"name":          spec.Name,
		"get_or_create": true,
		"metadata": map[string]any{
			metaSpace:      string(spec.Distance),
			metaDimensions: spec.Dimensions,
		},
	}, &col)
	if err != nil {
		return nil, fmt.Errorf("chroma: open collection %q: %w", spec.Name, err)
	}

	existing := vectorstore.CollectionSpec{
		Name:       spec.Name,
		Dimensions: metaInt(col.Metadata[metaDimensions]),
		Distance:   vectorstore.Distance(fmt.Sprint(col.Metadata[metaSpace])),
	}
	if err := vectorstore.CheckCompatible(existing, spec); err != nil {
		return nil, err
	}
	return &Collection{store: s, id: col.ID, spec: spec}, nil
}

// DeleteCollection implements [vectorstore.Store].
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	err := s.do(ctx, http.MethodDelete, s.collectionsURL()+"/"+url.PathEscape(name), nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return fmt.Errorf("%w: %q", vectorstore.ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("chroma: delete collection %q: %w", name, err)
	}
	return nil
}

// Ping implements [vectorstore.Store] via the heartbeat endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.do(ctx, http.MethodGet, s.baseURL+"/api/v2/heartbeat", nil, nil); err != nil {
		return fmt.Errorf("chroma: heartbeat: %w", err)
	}
	return nil
}

// Close implements [vectorstore.Store]. It releases idle connections.
func (s *Store) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// Collection is a handle on one Chroma collection.
type Collection struct {
	store *Store
	id    string
	spec  vectorstore.CollectionSpec
}

// Spec implements [vectorstore.Collection].
func (c *Collection) Spec() vectorstore.CollectionSpec { return c.spec }

func (c *Collection) url(op string) string {
	return c.store.collectionsURL() + "/" + url.PathEscape(c.id) + "/" + op
}

// Add implements [vectorstore.Collection]. Chroma ignores ids it already
// holds, so existing ids are looked up first and reported as duplicates.
func (c *Collection) Add(ctx context.Context, records []vectorstore.Record) error {
	if err := vectorstore.ValidateRecords(c.spec, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	req := addRequest{
		IDs:        make([]string, len(records)),
		Embeddings: make([][]float32, len(records)),
		Documents:  make([]string, len(records)),
		Metadatas:  make([]map[string]string, len(records)),
	}
	for i, r := range records {
		req.IDs[i] = r.ID
		req.Embeddings[i] = r.Embedding
		req.Documents[i] = r.Document
		req.Metadatas[i] = r.Metadata
		if len(r.Metadata) == 0 {
			// Chroma rejects empty metadata objects.
			req.Metadatas[i] = nil
		}
	}

	var existing getResponse
	if err := c.store.do(ctx, http.MethodPost, c.url("get"), map[string]any{
		"ids":     req.IDs,
		"include": []string{},
	}, &existing); err != nil {
		return fmt.Errorf("chroma: check ids in %q: %w", c.spec.Name, err)
	}
	if len(existing.IDs) > 0 {
		return fmt.Errorf("%w: %q", vectorstore.ErrDuplicateID, existing.IDs[0])
	}

	if err := c.store.do(ctx, http.MethodPost, c.url("add"), req, nil); err != nil {
		return fmt.Errorf("chroma: add to %q: %w", c.spec.Name, err)
	}
	return nil
}

// Count implements [vectorstore.Collection].
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.store.do(ctx, http.MethodGet, c.url("count"), nil, &n); err != nil {
		return 0, fmt.Errorf("chroma: count %q: %w", c.spec.Name, err)
	}
	return n, nil
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

	include := []string{"documents", "metadatas", "distances"}
	if q.IncludeEmbeddings {
		include = append(include, "embeddings")
	}
	body := map[string]any{
		"query_embeddings": [][]float32{q.Embedding},
		"n_results":        q.K,
		"include":          include,
	}
	if w := where(q.Where); w != nil {
		body["where"] = w
	}

	var resp queryResponse
	if err := c.store.do(ctx, http.MethodPost, c.url("query"), body, &resp); err != nil {
		return nil, fmt.Errorf("chroma: query %q: %w", c.spec.Name, err)
	}

	matches := []vectorstore.Match{}
	if len(resp.IDs) == 0 {
		return matches, nil
	}
	for i, id := range resp.IDs[0] {
		m := vectorstore.Match{Record: vectorstore.Record{ID: id}}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			m.Document = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			m.Metadata = resp.Metadatas[0][i]
		}
		if q.IncludeEmbeddings && len(resp.Embeddings) > 0 && i < len(resp.Embeddings[0]) {
			m.Embedding = resp.Embeddings[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			d := resp.Distances[0][i]
			if c.spec.Distance == vectorstore.L2 {
				d = math.Sqrt(math.Max(d, 0))
			}
			m.Distance = float32(d)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Get implements [vectorstore.Collection].
func (c *Collection) Get(ctx context.Context, g vectorstore.Get) ([]vectorstore.Record, error) {
	include := []string{"documents", "metadatas"}
	if g.IncludeEmbeddings {
		include = append(include, "embeddings")
	}
	body := map[string]any{"include": include}
	if g.Limit > 0 {
		body["limit"] = g.Limit
	}

	var resp getResponse
	if err := c.store.do(ctx, http.MethodPost, c.url("get"), body, &resp); err != nil {
		return nil, fmt.Errorf("chroma: get %q: %w", c.spec.Name, err)
	}
	records := make([]vectorstore.Record, len(resp.IDs))
	for i, id := range resp.IDs {
		records[i].ID = id
		if i < len(resp.Documents) {
			records[i].Document = resp.Documents[i]
		}
		if i < len(resp.Metadatas) {
			records[i].Metadata = resp.Metadatas[i]
		}
		if g.IncludeEmbeddings && i < len(resp.Embeddings) {
			records[i].Embedding = resp.Embeddings[i]
		}
	}
	return records, nil
}

type addRequest struct {
	IDs        []string            `json:"ids"`
	Embeddings [][]float32         `json:"embeddings"`
	Documents  []string            `json:"documents"`
	Metadatas  []map[string]string `json:"metadatas"`
}

type getResponse struct {
	IDs        []string            `json:"ids"`
	Documents  []string            `json:"documents"`
	Metadatas  []map[string]string `json:"metadatas"`
	Embeddings [][]float32         `json:"embeddings"`
}

type queryResponse struct {
	IDs        [][]string            `json:"ids"`
	Documents  [][]string            `json:"documents"`
	Metadatas  [][]map[string]string `json:"metadatas"`
	Embeddings [][][]float32         `json:"embeddings"`
	Distances  [][]float64           `json:"distances"`
}

// where converts an equality filter into Chroma's where syntax. More than one
// key needs an explicit $and.
func where(eq map[string]string) map[string]any {
	switch len(eq) {
	case 0:
		return nil
	case 1:
		for k, v := range eq {
			return map[string]any{k: v}
		}
	}
	clauses := make([]map[string]any, 0, len(eq))
	for k, v := range eq {
		clauses = append(clauses, map[string]any{k: map[string]any{"$eq": v}})
	}
	return map[string]any{"$and": clauses}
}

func metaInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v %d: %s", errStatus, e.code, e.body)
}

func (e *statusError) Unwrap() error { return errStatus }

// do sends an optional JSON body and decodes a JSON response into out when
// out is non-nil.
func (s *Store) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

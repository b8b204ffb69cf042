// Package sqlitevec is a [vectorstore.Store] backed by a single SQLite file
// with the sqlite-vec extension loaded.
//
// Each collection gets its own vec0 virtual table, named after the
// collection's row in the registry table. Documents and metadata live in a
// shared items table keyed by the same rowid, so a KNN match joins back to its
// payload in one query.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

var (
	_ vectorstore.Store      = (*Store)(nil)
	_ vectorstore.Collection = (*Collection)(nil)
)

const ddl = `
CREATE TABLE IF NOT EXISTS vs_collections (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT    NOT NULL UNIQUE,
    dimensions  INTEGER NOT NULL,
    distance    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS vs_items (
    rowid         INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_id INTEGER NOT NULL,
    id            TEXT    NOT NULL,
    document      TEXT    NOT NULL DEFAULT '',
    metadata      TEXT    NOT NULL DEFAULT '{}',
    UNIQUE (collection_id, id)
);
`

// Store is a SQLite file holding any number of collections.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the registry
// tables exist. path may be ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	sqlite_vec.Auto()

	if path == "" {
		return nil, errors.New("sqlitevec: database path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	var version string
	if err := db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitevec: sqlite-vec not available: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitevec: migrate: %w", err)
	}

	slog.Debug("sqlite-vec store opened", "path", path, "vec_version", version)
	return &Store{db: db}, nil
}

// Collection implements [vectorstore.Store].
func (s *Store) Collection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		id       int64
		existing = vectorstore.CollectionSpec{Name: spec.Name}
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, dimensions, distance FROM vs_collections WHERE name = ?`, spec.Name,
	).Scan(&id, &existing.Dimensions, &existing.Distance)
	switch {
	case err == nil:
		if err := vectorstore.CheckCompatible(existing, spec); err != nil {
			return nil, err
		}
		return &Collection{db: s.db, id: id, spec: spec}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("sqlitevec: look up collection %q: %w", spec.Name, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO vs_collections (name, dimensions, distance) VALUES (?, ?, ?)`,
		spec.Name, spec.Dimensions, string(spec.Distance))
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: register collection %q: %w", spec.Name, err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("sqlitevec: register collection %q: %w", spec.Name, err)
	}

	metric := "L2"
	if spec.Distance == vectorstore.Cosine {
		metric = "cosine"
	}
	create := fmt.Sprintf(`CREATE VIRTUAL TABLE %s USING vec0(embedding float[%d] distance_metric=%s)`,
		vecTable(id), spec.Dimensions, metric)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return nil, fmt.Errorf("sqlitevec: create vec0 table for %q: %w", spec.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitevec: commit: %w", err)
	}

	slog.Info("sqlite-vec collection created", "name", spec.Name, "dimensions", spec.Dimensions, "distance", spec.Distance)
	return &Collection{db: s.db, id: id, spec: spec}, nil
}

// DeleteCollection implements [vectorstore.Store].
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitevec: begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM vs_collections WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %q", vectorstore.ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("sqlitevec: look up collection %q: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+vecTable(id)); err != nil {
		return fmt.Errorf("sqlitevec: drop vec0 table for %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vs_items WHERE collection_id = ?`, id); err != nil {
		return fmt.Errorf("sqlitevec: delete items of %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vs_collections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlitevec: unregister %q: %w", name, err)
	}
	return tx.Commit()
}

// Ping implements [vectorstore.Store].
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements [vectorstore.Store].
func (s *Store) Close() error { return s.db.Close() }

// Collection is one registered collection and its vec0 table.
type Collection struct {
	db   *sql.DB
	id   int64
	spec vectorstore.CollectionSpec
}

// Spec implements [vectorstore.Collection].
func (c *Collection) Spec() vectorstore.CollectionSpec { return c.spec }

// Add implements [vectorstore.Collection]. The whole batch is written in one
// transaction.
func (c *Collection) Add(ctx context.Context, records []vectorstore.Record) error {
	if err := vectorstore.ValidateRecords(c.spec, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitevec: begin: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM vs_items WHERE collection_id = ? AND id = ?`, c.id, r.ID).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: %q", vectorstore.ErrDuplicateID, r.ID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlitevec: check id %q: %w", r.ID, err)
		}
	}

	insertVec := fmt.Sprintf(`INSERT INTO %s (rowid, embedding) VALUES (?, ?)`, vecTable(c.id))
	for _, r := range records {
		md, err := json.Marshal(nonNil(r.Metadata))
		if err != nil {
			return fmt.Errorf("sqlitevec: encode metadata for %q: %w", r.ID, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO vs_items (collection_id, id, document, metadata) VALUES (?, ?, ?, ?)`,
			c.id, r.ID, r.Document, string(md))
		if err != nil {
			return fmt.Errorf("sqlitevec: insert %q: %w", r.ID, err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlitevec: rowid for %q: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insertVec, rowID, serializeFloat32(r.Embedding)); err != nil {
			return fmt.Errorf("sqlitevec: insert embedding for %q: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitevec: commit: %w", err)
	}
	return nil
}

// Count implements [vectorstore.Collection].
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM vs_items WHERE collection_id = ?`, c.id).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlitevec: count %q: %w", c.spec.Name, err)
	}
	return n, nil
}

// Query implements [vectorstore.Collection]. Unfiltered queries use the vec0
// KNN index; filtered queries scan the collection with an exact distance
// function so the filter never shrinks the result below K.
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
	blob := serializeFloat32(q.Embedding)

	var (
		stmt string
		args []any
	)
	if len(q.Where) == 0 {
		stmt = fmt.Sprintf(`
			SELECT i.id, i.document, i.metadata, v.embedding, v.distance
			FROM   %s v
			JOIN   vs_items i ON i.rowid = v.rowid
			WHERE  v.embedding MATCH ? AND v.k = ?
			ORDER  BY v.distance`, vecTable(c.id))
		args = []any{blob, q.K}
	} else {
		fn := "vec_distance_l2"
		if c.spec.Distance == vectorstore.Cosine {
			fn = "vec_distance_cosine"
		}
		conds := []string{"i.collection_id = ?"}
		args = []any{blob, c.id}
		for _, k := range sortedKeys(q.Where) {
			conds = append(conds, "json_extract(i.metadata, ?) = ?")
			args = append(args, jsonPath(k), q.Where[k])
		}
		args = append(args, q.K)
		stmt = fmt.Sprintf(`
			SELECT i.id, i.document, i.metadata, v.embedding, %s(v.embedding, ?) AS distance
			FROM   %s v
			JOIN   vs_items i ON i.rowid = v.rowid
			WHERE  %s
			ORDER  BY distance, i.rowid
			LIMIT  ?`, fn, vecTable(c.id), strings.Join(conds, " AND "))
	}

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: query %q: %w", c.spec.Name, err)
	}
	defer rows.Close()

	matches := []vectorstore.Match{}
	for rows.Next() {
		var (
			m    vectorstore.Match
			md   string
			emb  []byte
			dist float64
		)
		if err := rows.Scan(&m.ID, &m.Document, &md, &emb, &dist); err != nil {
			return nil, fmt.Errorf("sqlitevec: scan match: %w", err)
		}
		if err := json.Unmarshal([]byte(md), &m.Metadata); err != nil {
			return nil, fmt.Errorf("sqlitevec: decode metadata for %q: %w", m.ID, err)
		}
		if q.IncludeEmbeddings {
			if m.Embedding, err = deserializeFloat32(emb); err != nil {
				return nil, fmt.Errorf("sqlitevec: decode embedding for %q: %w", m.ID, err)
			}
		}
		m.Distance = float32(dist)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitevec: iterate matches: %w", err)
	}
	return matches, nil
}

// Get implements [vectorstore.Collection].
func (c *Collection) Get(ctx context.Context, g vectorstore.Get) ([]vectorstore.Record, error) {
	limit := -1
	if g.Limit > 0 {
		limit = g.Limit
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT i.id, i.document, i.metadata, v.embedding
		FROM   vs_items i
		JOIN   %s v ON v.rowid = i.rowid
		WHERE  i.collection_id = ?
		ORDER  BY i.rowid
		LIMIT  ?`, vecTable(c.id)), c.id, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: get %q: %w", c.spec.Name, err)
	}
	defer rows.Close()

	records := []vectorstore.Record{}
	for rows.Next() {
		var (
			r   vectorstore.Record
			md  string
			emb []byte
		)
		if err := rows.Scan(&r.ID, &r.Document, &md, &emb); err != nil {
			return nil, fmt.Errorf("sqlitevec: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
			return nil, fmt.Errorf("sqlitevec: decode metadata for %q: %w", r.ID, err)
		}
		if g.IncludeEmbeddings {
			if r.Embedding, err = deserializeFloat32(emb); err != nil {
				return nil, fmt.Errorf("sqlitevec: decode embedding for %q: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func vecTable(id int64) string { return fmt.Sprintf("vs_vec_%d", id) }

func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// serializeFloat32 encodes v in the little-endian layout vec0 expects.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

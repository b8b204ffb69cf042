package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

var (
	_ vectorstore.Store      = (*Store)(nil)
	_ vectorstore.Collection = (*Collection)(nil)
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store holds a single [pgxpool.Pool] shared by all collections. All
// operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore runs [Migrate] over a bootstrap connection, then opens a pool
// with pgvector types registered on every connection.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	// The extension has to exist before pgvector types can be registered.
	boot, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	err = Migrate(ctx, boot)
	boot.Close(ctx)
	if err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Collection implements [vectorstore.Store].
func (s *Store) Collection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	table := tableName(spec.Name)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO vs_collections (name, table_name, dimensions, distance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING`,
		spec.Name, table, spec.Dimensions, string(spec.Distance))
	if err != nil {
		return nil, fmt.Errorf("postgres store: register %q: %w", spec.Name, err)
	}

	if tag.RowsAffected() == 0 {
		existing := vectorstore.CollectionSpec{Name: spec.Name}
		if err := tx.QueryRow(ctx,
			`SELECT dimensions, distance FROM vs_collections WHERE name = $1`, spec.Name,
		).Scan(&existing.Dimensions, &existing.Distance); err != nil {
			return nil, fmt.Errorf("postgres store: look up %q: %w", spec.Name, err)
		}
		if err := vectorstore.CheckCompatible(existing, spec); err != nil {
			return nil, err
		}
		return &Collection{pool: s.pool, table: table, spec: spec}, nil
	}

	if _, err := tx.Exec(ctx, ddlCollection(table, spec)); err != nil {
		return nil, fmt.Errorf("postgres store: create table for %q: %w", spec.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: commit: %w", err)
	}
	slog.Info("postgres collection created", "name", spec.Name, "table", table,
		"dimensions", spec.Dimensions, "distance", spec.Distance,
		"hnsw", spec.Dimensions <= hnswMaxDimensions)
	return &Collection{pool: s.pool, table: table, spec: spec}, nil
}

// DeleteCollection implements [vectorstore.Store].
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var table string
	err = tx.QueryRow(ctx, `DELETE FROM vs_collections WHERE name = $1 RETURNING table_name`, name).Scan(&table)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %q", vectorstore.ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("postgres store: unregister %q: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()); err != nil {
		return fmt.Errorf("postgres store: drop %q: %w", name, err)
	}
	return tx.Commit(ctx)
}

// Ping implements [vectorstore.Store].
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Collection is one pgvector-backed collection table.
type Collection struct {
	pool  *pgxpool.Pool
	table string
	spec  vectorstore.CollectionSpec
}

// Spec implements [vectorstore.Collection].
func (c *Collection) Spec() vectorstore.CollectionSpec { return c.spec }

// Add implements [vectorstore.Collection]. Rows are streamed with COPY inside
// a transaction, so a rejected batch leaves nothing behind.
func (c *Collection) Add(ctx context.Context, records []vectorstore.Record) error {
	if err := vectorstore.ValidateRecords(c.spec, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1) LIMIT 1`, c.ident()), ids,
	).Scan(&existing)
	if err == nil {
		return fmt.Errorf("%w: %q", vectorstore.ErrDuplicateID, existing)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres store: check ids: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{c.table},
		[]string{"id", "document", "metadata", "embedding"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			md := r.Metadata
			if md == nil {
				md = map[string]string{}
			}
			return []any{r.ID, r.Document, md, pgvector.NewVector(r.Embedding)}, nil
		}),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", vectorstore.ErrDuplicateID, pgErr.Detail)
		}
		return fmt.Errorf("postgres store: copy into %q: %w", c.spec.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// Count implements [vectorstore.Collection].
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx, "SELECT count(*) FROM "+c.ident()).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count %q: %w", c.spec.Name, err)
	}
	return n, nil
}

// Query implements [vectorstore.Collection]. Results are ordered by ascending
// distance, with insertion order breaking ties.
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

	args := []any{pgvector.NewVector(q.Embedding)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	for k, v := range q.Where {
		conditions = append(conditions, fmt.Sprintf("metadata->>%s = %s", next(k), next(v)))
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}
	limitArg := next(q.K)

	sql := fmt.Sprintf(`
		SELECT id, document, metadata, embedding, embedding %s $1 AS distance
		FROM   %s
		%s
		ORDER  BY distance, seq
		LIMIT  %s`, operator(c.spec.Distance), c.ident(), whereClause, limitArg)

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query %q: %w", c.spec.Name, err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Match, error) {
		var (
			m    vectorstore.Match
			vec  pgvector.Vector
			dist float64
		)
		if err := row.Scan(&m.ID, &m.Document, &m.Metadata, &vec, &dist); err != nil {
			return vectorstore.Match{}, err
		}
		if q.IncludeEmbeddings {
			m.Embedding = vec.Slice()
		}
		m.Distance = float32(dist)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan matches: %w", err)
	}
	if matches == nil {
		matches = []vectorstore.Match{}
	}
	return matches, nil
}

// Get implements [vectorstore.Collection].
func (c *Collection) Get(ctx context.Context, g vectorstore.Get) ([]vectorstore.Record, error) {
	sql := fmt.Sprintf(`SELECT id, document, metadata, embedding FROM %s ORDER BY seq`, c.ident())
	var args []any
	if g.Limit > 0 {
		sql += " LIMIT $1"
		args = append(args, g.Limit)
	}
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get %q: %w", c.spec.Name, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Record, error) {
		var (
			r   vectorstore.Record
			vec pgvector.Vector
		)
		if err := row.Scan(&r.ID, &r.Document, &r.Metadata, &vec); err != nil {
			return vectorstore.Record{}, err
		}
		if g.IncludeEmbeddings {
			r.Embedding = vec.Slice()
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan records: %w", err)
	}
	if records == nil {
		records = []vectorstore.Record{}
	}
	return records, nil
}

func (c *Collection) ident() string { return pgx.Identifier{c.table}.Sanitize() }

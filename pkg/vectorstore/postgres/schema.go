// Package postgres is a [vectorstore.Store] backed by PostgreSQL with the
// pgvector extension.
//
// A registry table records every collection's spec. Each collection's records
// live in their own table whose vector column is sized to the collection's
// dimensionality, with an HNSW index on the configured distance operator.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	lore, err := store.Collection(ctx, vectorstore.CollectionSpec{Name: "lore", Dimensions: 768})
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// hnswMaxDimensions is the largest vector pgvector can put behind an HNSW
// index. Wider collections (image embeddings) fall back to exact scans.
const hnswMaxDimensions = 2000

const ddlRegistry = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vs_collections (
    name        TEXT         PRIMARY KEY,
    table_name  TEXT         NOT NULL UNIQUE,
    dimensions  INTEGER      NOT NULL,
    distance    TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlCollection returns the DDL for one collection's table. The vector
// dimension is baked into the column type at creation time.
func ddlCollection(table string, spec vectorstore.CollectionSpec) string {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    seq        BIGSERIAL  PRIMARY KEY,
    id         TEXT       NOT NULL UNIQUE,
    document   TEXT       NOT NULL DEFAULT '',
    metadata   JSONB      NOT NULL DEFAULT '{}',
    embedding  vector(%[2]d) NOT NULL
);
`, pgx.Identifier{table}.Sanitize(), spec.Dimensions)

	if spec.Dimensions <= hnswMaxDimensions {
		ddl += fmt.Sprintf(`
CREATE INDEX IF NOT EXISTS %s
    ON %s USING hnsw (embedding %s);
`, pgx.Identifier{table + "_hnsw"}.Sanitize(), pgx.Identifier{table}.Sanitize(), opClass(spec.Distance))
	}
	return ddl
}

// tableName derives a stable, identifier-safe table name from a collection
// name.
func tableName(collection string) string {
	sum := sha256.Sum256([]byte(collection))
	return "vs_items_" + hex.EncodeToString(sum[:8])
}

func opClass(d vectorstore.Distance) string {
	if d == vectorstore.L2 {
		return "vector_l2_ops"
	}
	return "vector_cosine_ops"
}

func operator(d vectorstore.Distance) string {
	if d == vectorstore.L2 {
		return "<->"
	}
	return "<=>"
}

// Migrate ensures the pgvector extension and the collection registry exist.
// It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, conn *pgx.Conn) error {
	if _, err := conn.Exec(ctx, ddlRegistry); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

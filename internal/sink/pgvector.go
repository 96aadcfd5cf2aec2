package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PGVectorConfig is the vector_store_config of the pgvector store.
type PGVectorConfig struct {
	ConnectionString string `json:"connection_string"`
	// Schema holds the index tables. Defaults to public.
	Schema string `json:"schema"`
}

// validate checks the settings and returns the schema to use.
func (c PGVectorConfig) validate() (string, error) {
	if c.ConnectionString == "" {
		return "", ingesterr.Validation("pgvector: connection_string is required")
	}
	schema := c.Schema
	if schema == "" {
		schema = "public"
	}
	if !tableNamePattern.MatchString(schema) {
		return "", ingesterr.Validation("pgvector: invalid schema %q", schema)
	}
	return schema, nil
}

// PGVector stores each index as a table with a vector column.
type PGVector struct {
	db     *sql.DB
	schema string
}

var _ Sink = (*PGVector)(nil)

// OpenPGVector connects and installs the vector extension.
func OpenPGVector(ctx context.Context, cfg PGVectorConfig) (*PGVector, error) {
	schema, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, ingesterr.Validation("pgvector: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, classifyPG("pgvector.connect", err)
	}
	if _, err := db.ExecContext(pingCtx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		_ = db.Close()
		return nil, classifyPG("pgvector.extension", err)
	}
	return &PGVector{db: db, schema: schema}, nil
}

func (p *PGVector) table(index string) (string, error) {
	if err := validIndexName(index); err != nil {
		return "", err
	}
	return fmt.Sprintf("%q.%q", p.schema, strings.ToLower(index)), nil
}

func (p *PGVector) EnsureIndex(ctx context.Context, index string, dimension int) error {
	const op = "pgvector.ensure_index"
	table, err := p.table(index)
	if err != nil {
		return err
	}
	if dimension <= 0 {
		return ingesterr.Errorf(ingesterr.KindInvalidInput, op, "dimension must be positive, got %d", dimension)
	}

	existing, err := p.dimension(ctx, table)
	if err != nil {
		return err
	}
	if existing > 0 {
		if existing != dimension {
			return ingesterr.Errorf(ingesterr.KindSchemaMismatch, op,
				"index %s has dimension %d, embeddings have %d", index, existing, dimension)
		}
		return nil
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			content     TEXT NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding   vector(%d) NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dimension)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return classifyPG(op, err)
	}
	return nil
}

// dimension reads the declared vector dimension of the embedding column, or
// 0 if the table does not exist.
func (p *PGVector) dimension(ctx context.Context, table string) (int, error) {
	var typmod sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1) AND a.attname = 'embedding' AND NOT a.attisdropped
	`, table).Scan(&typmod)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classifyPG("pgvector.describe", err)
	}
	return int(typmod.Int64), nil
}

// Upsert writes all records in one transaction.
func (p *PGVector) Upsert(ctx context.Context, index string, records []models.Record) error {
	const op = "pgvector.upsert"
	table, err := p.table(index)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classifyPG(op, err)
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = now()
	`, table)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return classifyPG(op, err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		meta, err := json.Marshal(orEmpty(r.Metadata))
		if err != nil {
			_ = tx.Rollback()
			return ingesterr.Wrap(ingesterr.KindInvalidInput, op, fmt.Errorf("record %s metadata: %w", r.ID, err))
		}
		vec := pgvector.NewVector(r.Vector)
		if _, err := stmt.ExecContext(ctx, r.ID, r.Text, string(meta), vec); err != nil {
			_ = tx.Rollback()
			return classifyPG(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyPG(op, err)
	}
	return nil
}

// Count returns the number of rows in index.
func (p *PGVector) Count(ctx context.Context, index string) (int, error) {
	table, err := p.table(index)
	if err != nil {
		return 0, err
	}
	var n int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, classifyPG("pgvector.count", err)
	}
	return n, nil
}

// ListIndexes returns the tables of the schema that carry a vector
// embedding column.
func (p *PGVector) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.relname, a.atttypmod
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attname = 'embedding' AND NOT a.attisdropped
		JOIN pg_type t ON t.oid = a.atttypid AND t.typname = 'vector'
		WHERE n.nspname = $1 AND c.relkind = 'r'
		ORDER BY c.relname
	`, p.schema)
	if err != nil {
		return nil, classifyPG("pgvector.list_indexes", err)
	}
	defer rows.Close()

	out := []IndexInfo{}
	for rows.Next() {
		var idx IndexInfo
		if err := rows.Scan(&idx.Name, &idx.Dimension); err != nil {
			return nil, classifyPG("pgvector.list_indexes", err)
		}
		out = append(out, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("pgvector.list_indexes", err)
	}
	return out, nil
}

// DeleteIndex drops the index table.
func (p *PGVector) DeleteIndex(ctx context.Context, index string) error {
	const op = "pgvector.delete_index"
	table, err := p.table(index)
	if err != nil {
		return err
	}
	dim, err := p.dimension(ctx, table)
	if err != nil {
		return err
	}
	if dim == 0 {
		return ingesterr.Errorf(ingesterr.KindNotFound, op, "index %s does not exist", index)
	}
	if _, err := p.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return classifyPG(op, err)
	}
	return nil
}

func (p *PGVector) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// classifyPG maps Postgres SQLSTATE classes onto error kinds.
func classifyPG(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ingesterr.Wrap(ingesterr.KindCancelled, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return ingesterr.Wrap(ingesterr.KindAuth, op, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"), pgErr.Code == "40001", pgErr.Code == "40P01":
			return ingesterr.Wrap(ingesterr.KindIndexUnavailable, op, err)
		case strings.Contains(pgErr.Message, "dimensions"):
			return ingesterr.Wrap(ingesterr.KindSchemaMismatch, op, err)
		default:
			return ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
		}
	}
	return ingesterr.Wrap(ingesterr.KindIndexUnavailable, op, err)
}

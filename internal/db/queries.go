// Package db provides SurrealDB query functions for jobs and chunk tables.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// IndexInfo describes a registered chunk table.
type IndexInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
}

type jobRow struct {
	Payload string `json:"payload"`
}

// QuerySaveJob inserts or replaces a job.
func (c *Client) QuerySaveJob(ctx context.Context, job models.Job) error {
	job.PossiblyStuck = false
	payload, err := json.Marshal(job)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindInternal, "surrealdb.save_job", err)
	}

	_, err = surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("ingest_job", $id) SET
			status = $status,
			created_at = <datetime>$created_at,
			updated = time::now(),
			payload = $payload
	`, map[string]any{
		"id":         job.ID,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":    string(payload),
	})
	if err != nil {
		return wrapQueryError("surrealdb.save_job", err)
	}
	return nil
}

// QueryGetJob retrieves a job by ID. Returns ErrNotFound if absent.
func (c *Client) QueryGetJob(ctx context.Context, id string) (*models.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		SELECT payload FROM type::record("ingest_job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, wrapQueryError("surrealdb.get_job", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, ingesterr.Wrap(ingesterr.KindNotFound, "surrealdb.get_job", fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	return decodeJob((*results)[0].Result[0])
}

// QueryListJobs returns all jobs, newest first.
func (c *Client) QueryListJobs(ctx context.Context) ([]models.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		SELECT payload, created_at FROM ingest_job ORDER BY created_at DESC
	`, nil)
	if err != nil {
		return nil, wrapQueryError("surrealdb.list_jobs", err)
	}

	jobs := []models.Job{}
	if results == nil || len(*results) == 0 {
		return jobs, nil
	}
	for _, row := range (*results)[0].Result {
		job, err := decodeJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// QueryDeleteJob deletes a job by ID.
// Returns count of deleted (0 if not found - idempotent).
func (c *Client) QueryDeleteJob(ctx context.Context, id string) (int, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		DELETE type::record("ingest_job", $id) RETURN BEFORE
	`, map[string]any{"id": id})
	if err != nil {
		return 0, wrapQueryError("surrealdb.delete_job", err)
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

func decodeJob(row jobRow) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(row.Payload), &job); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, "surrealdb.decode_job", err)
	}
	return &job, nil
}

// QueryIndexDimension returns the dimension a chunk table was created with,
// or 0 if the index is not registered.
func (c *Client) QueryIndexDimension(ctx context.Context, name string) (int, error) {
	results, err := surrealdb.Query[[]IndexInfo](ctx, c.db, `
		SELECT name, dimension FROM type::record("vector_index", $name)
	`, map[string]any{"name": name})
	if err != nil {
		return 0, wrapQueryError("surrealdb.index_dimension", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Dimension, nil
}

// QueryListIndexes returns every registered chunk table.
func (c *Client) QueryListIndexes(ctx context.Context) ([]IndexInfo, error) {
	results, err := surrealdb.Query[[]IndexInfo](ctx, c.db, `
		SELECT name, dimension FROM vector_index ORDER BY name
	`, nil)
	if err != nil {
		return nil, wrapQueryError("surrealdb.list_indexes", err)
	}
	if results == nil || len(*results) == 0 {
		return []IndexInfo{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryDeleteIndex drops a chunk table and its registration. A name that
// is not registered is a NotFound error.
func (c *Client) QueryDeleteIndex(ctx context.Context, name string) error {
	const op = "surrealdb.delete_index"
	if !ValidTableName(name) {
		return ingesterr.Validation("index name %q must match %s", name, identifierPattern)
	}
	dim, err := c.QueryIndexDimension(ctx, name)
	if err != nil {
		return err
	}
	if dim == 0 {
		return ingesterr.Errorf(ingesterr.KindNotFound, op, "index %s does not exist", name)
	}
	query := fmt.Sprintf(`
		REMOVE TABLE IF EXISTS %s;
		DELETE type::record("vector_index", $name);
	`, name)
	if _, err := surrealdb.Query[any](ctx, c.db, query, map[string]any{"name": name}); err != nil {
		return wrapQueryError(op, err)
	}
	c.logger.Info("chunk table removed", "table", name)
	return nil
}

// QueryEnsureChunkTable defines the chunk table for name and registers its
// dimension. An index registered with another dimension is a SchemaMismatch.
func (c *Client) QueryEnsureChunkTable(ctx context.Context, name string, dimension int) error {
	const op = "surrealdb.ensure_index"
	if !ValidTableName(name) {
		return ingesterr.Validation("index name %q must match %s", name, identifierPattern)
	}
	if dimension <= 0 {
		return ingesterr.Errorf(ingesterr.KindInvalidInput, op, "dimension must be positive, got %d", dimension)
	}

	existing, err := c.QueryIndexDimension(ctx, name)
	if err != nil {
		return err
	}
	if existing != 0 {
		if existing != dimension {
			return ingesterr.Errorf(ingesterr.KindSchemaMismatch, op,
				"index %s has dimension %d, embeddings have %d", name, existing, dimension)
		}
		return nil
	}

	if _, err := surrealdb.Query[any](ctx, c.db, chunkTableSQL(name, dimension), nil); err != nil {
		return wrapQueryError(op, err)
	}
	_, err = surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("vector_index", $name) SET name = $name, dimension = $dimension
	`, map[string]any{"name": name, "dimension": dimension})
	if err != nil {
		return wrapQueryError(op, err)
	}
	c.logger.Info("chunk table ready", "table", name, "dimension", dimension)
	return nil
}

// QueryUpsertChunks writes records into a chunk table keyed by record ID, so
// writing the same records twice leaves one row each.
func (c *Client) QueryUpsertChunks(ctx context.Context, table string, records []models.Record) error {
	if !ValidTableName(table) {
		return ingesterr.Validation("index name %q must match %s", table, identifierPattern)
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([]map[string]any, len(records))
	for i, r := range records {
		metadata := r.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		row := map[string]any{
			"id":        r.ID,
			"content":   r.Text,
			"embedding": r.Vector,
			"metadata":  metadata,
		}
		if docID, ok := metadata["document_id"].(string); ok {
			row["document_id"] = docID
		}
		if idx, ok := metadata["chunk_index"].(int); ok {
			row["chunk_index"] = idx
		}
		rows[i] = row
	}

	_, err := surrealdb.Query[any](ctx, c.db, `
		FOR $r IN $rows {
			UPSERT type::record($tb, $r.id) SET
				content = $r.content,
				embedding = $r.embedding,
				metadata = $r.metadata,
				document_id = $r.document_id,
				chunk_index = $r.chunk_index,
				updated = time::now();
		};
	`, map[string]any{"tb": table, "rows": rows})
	if err != nil {
		return wrapQueryError("surrealdb.upsert", err)
	}
	return nil
}

// QueryCountChunks returns the number of rows in a chunk table.
func (c *Client) QueryCountChunks(ctx context.Context, table string) (int, error) {
	if !ValidTableName(table) {
		return 0, ingesterr.Validation("index name %q must match %s", table, identifierPattern)
	}
	type countRow struct {
		Count int `json:"count"`
	}
	results, err := surrealdb.Query[[]countRow](ctx, c.db,
		fmt.Sprintf("SELECT count() FROM %s GROUP ALL", table), nil)
	if err != nil {
		return 0, wrapQueryError("surrealdb.count", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}

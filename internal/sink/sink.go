// Package sink writes embedded chunks to vector stores.
package sink

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/raphaelgruber/ingestd/internal/db"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// Sink is a vector store. Upserts are keyed by record ID, so writing a
// record twice leaves a single copy.
type Sink interface {
	// EnsureIndex creates the index if needed. An existing index with a
	// different dimension is a SchemaMismatch.
	EnsureIndex(ctx context.Context, index string, dimension int) error
	Upsert(ctx context.Context, index string, records []models.Record) error
	Close() error
}

// Counter is implemented by sinks that can report how many records an index
// holds.
type Counter interface {
	Count(ctx context.Context, index string) (int, error)
}

// IndexInfo describes an index held by a vector store.
type IndexInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
}

// IndexAdmin is implemented by sinks that can list and drop their indexes.
// Deleting an index that does not exist is a NotFound error.
type IndexAdmin interface {
	ListIndexes(ctx context.Context) ([]IndexInfo, error)
	DeleteIndex(ctx context.Context, index string) error
}

// Store identifiers accepted in vector_store.
const (
	StoreMemory   = "memory"
	StorePGVector = "pgvector"
	StoreSurreal  = "surrealdb"
)

// StoreInfo describes a vector store for plugin listings.
type StoreInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Required    []string `json:"required_config,omitempty"`
	properties  map[string]models.SchemaProperty
}

// Schema returns the JSON schema of the store's vector_store_config.
func (s StoreInfo) Schema() models.ConfigSchema {
	return models.NewConfigSchema(s.properties, slices.Clone(s.Required))
}

// Stores lists the supported vector stores.
func Stores() []StoreInfo {
	return []StoreInfo{
		{ID: StoreMemory, DisplayName: "In-Memory"},
		{
			ID:          StorePGVector,
			DisplayName: "PostgreSQL (pgvector)",
			Required:    []string{"connection_string"},
			properties: map[string]models.SchemaProperty{
				"connection_string": {Type: "string", Title: "Connection String", Description: "postgres:// URL of a database with the vector extension", WriteOnly: true},
				"schema":            {Type: "string", Title: "Schema", Description: "Schema holding the index tables", Default: "public"},
			},
		},
		{
			ID:          StoreSurreal,
			DisplayName: "SurrealDB",
			properties: map[string]models.SchemaProperty{
				"url":        {Type: "string", Title: "URL", Description: "WebSocket endpoint; the server's connection is used when empty"},
				"namespace":  {Type: "string", Title: "Namespace"},
				"database":   {Type: "string", Title: "Database"},
				"username":   {Type: "string", Title: "Username"},
				"password":   {Type: "string", Title: "Password", WriteOnly: true},
				"auth_level": {Type: "string", Title: "Auth Level", Description: "root, namespace or database"},
			},
		},
	}
}

// Lookup returns the vector store registered as id.
func Lookup(id string) (StoreInfo, bool) {
	for _, s := range Stores() {
		if s.ID == id {
			return s, true
		}
	}
	return StoreInfo{}, false
}

// Known reports whether id names a supported vector store.
func Known(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// ValidateConfig checks a store's vector_store_config and the index name
// without connecting, so bad settings fail at submission.
func ValidateConfig(storeID string, cfg map[string]any, index string) error {
	switch storeID {
	case StoreMemory, "":
		return nil
	case StorePGVector:
		var c PGVectorConfig
		if err := decodeConfig(storeID, cfg, &c); err != nil {
			return err
		}
		if _, err := c.validate(); err != nil {
			return err
		}
		return validIndexName(index)
	case StoreSurreal:
		var c SurrealConfig
		if err := decodeConfig(storeID, cfg, &c); err != nil {
			return err
		}
		return validIndexName(index)
	default:
		return ingesterr.Validation("unknown vector store %q", storeID)
	}
}

func validIndexName(index string) error {
	if !tableNamePattern.MatchString(index) {
		return ingesterr.Validation("index name %q must match %s", index, tableNamePattern)
	}
	return nil
}

// Factory opens sinks for jobs. The memory store and the default SurrealDB
// connection are shared by every job.
type Factory struct {
	Memory *Memory
	// Surreal is used when a surrealdb job carries no connection settings.
	Surreal *db.Client
	// SurrealDefaults fills missing fields of per-job SurrealDB settings.
	SurrealDefaults db.Config
}

// NewFactory returns a factory with its own memory store.
func NewFactory(surreal *db.Client, defaults db.Config) *Factory {
	return &Factory{Memory: NewMemory(), Surreal: surreal, SurrealDefaults: defaults}
}

// Open returns the sink for storeID. Closing a shared sink is a no-op.
func (f *Factory) Open(ctx context.Context, storeID string, cfg map[string]any) (Sink, error) {
	switch storeID {
	case StoreMemory, "":
		return nopCloser{f.Memory}, nil
	case StorePGVector:
		var c PGVectorConfig
		if err := decodeConfig(storeID, cfg, &c); err != nil {
			return nil, err
		}
		return OpenPGVector(ctx, c)
	case StoreSurreal:
		var c SurrealConfig
		if err := decodeConfig(storeID, cfg, &c); err != nil {
			return nil, err
		}
		if c.URL == "" && f.Surreal != nil {
			return NewSurreal(f.Surreal), nil
		}
		return OpenSurreal(ctx, c.merge(f.SurrealDefaults))
	default:
		return nil, ingesterr.Validation("unknown vector store %q", storeID)
	}
}

// nopCloser shares a sink without handing out ownership.
type nopCloser struct {
	Sink
}

func (nopCloser) Close() error { return nil }

func (n nopCloser) Count(ctx context.Context, index string) (int, error) {
	if c, ok := n.Sink.(Counter); ok {
		return c.Count(ctx, index)
	}
	return 0, ingesterr.New(ingesterr.KindInvalidState, "count", "sink cannot count records")
}

func (n nopCloser) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	if a, ok := n.Sink.(IndexAdmin); ok {
		return a.ListIndexes(ctx)
	}
	return nil, errNoAdmin
}

func (n nopCloser) DeleteIndex(ctx context.Context, index string) error {
	if a, ok := n.Sink.(IndexAdmin); ok {
		return a.DeleteIndex(ctx, index)
	}
	return errNoAdmin
}

var errNoAdmin = ingesterr.New(ingesterr.KindInvalidState, "index_admin", "sink cannot manage indexes")

func decodeConfig(store string, cfg map[string]any, out any) error {
	if len(cfg) == 0 {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return ingesterr.Validation("%s: vector_store_config: %v", store, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ingesterr.Validation("%s: vector_store_config: %v", store, err)
	}
	return nil
}

// Package source provides the data source connectors that feed documents
// into ingestion jobs.
package source

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// Source is a configured connector.
type Source interface {
	// Plugin returns the connector id, e.g. "s3".
	Plugin() string
	// Open starts a new pass over the source's documents.
	Open(ctx context.Context) (Iterator, error)
}

// Iterator is a lazy sequence of documents. Next returns io.EOF when the
// source is exhausted. A Next failing with a retryable error does not
// advance, so calling it again retries the same document. A non-retryable
// failure consumes the document, letting the caller skip it.
type Iterator interface {
	Next(ctx context.Context) (models.Document, error)
	Close() error
}

// Counter is implemented by sources that can report their document count
// up front without reading the documents.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Tester is implemented by sources that can check their settings against
// the remote system without reading documents.
type Tester interface {
	TestConnection(ctx context.Context) error
}

// CheckConnection verifies that src is reachable. Sources without a
// dedicated check are opened and closed again.
func CheckConnection(ctx context.Context, src Source) error {
	if t, ok := src.(Tester); ok {
		return t.TestConnection(ctx)
	}
	it, err := src.Open(ctx)
	if err != nil {
		return err
	}
	return it.Close()
}

// EOF is returned by Iterator.Next when no documents remain.
var EOF = io.EOF

// Plugin describes a connector for listings and validation.
type Plugin struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Required    []string `json:"required"`
	properties  map[string]models.SchemaProperty
	build       func(cfg map[string]any) (Source, error)
}

// Schema returns the JSON schema of the connector's config.
func (p Plugin) Schema() models.ConfigSchema {
	return models.NewConfigSchema(maps.Clone(p.properties), slices.Clone(p.Required))
}

var plugins = map[string]Plugin{}

func register(p Plugin) {
	plugins[p.ID] = p
}

// Plugins returns all registered connectors sorted by id.
func Plugins() []Plugin {
	out := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the connector registered as id.
func Lookup(id string) (Plugin, bool) {
	p, ok := plugins[id]
	return p, ok
}

// Known reports whether a connector id is registered.
func Known(id string) bool {
	_, ok := plugins[id]
	return ok
}

// New builds the connector for pluginID. Unknown plugins and invalid
// configuration fail with a ValidationError.
func New(pluginID string, cfg map[string]any) (Source, error) {
	p, ok := plugins[pluginID]
	if !ok {
		ids := make([]string, 0, len(plugins))
		for id := range plugins {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return nil, ingesterr.Validation("unknown plugin %q (available: %v)", pluginID, ids)
	}
	for _, key := range p.Required {
		if v, ok := cfg[key]; !ok || v == nil || v == "" {
			return nil, ingesterr.Validation("%s: %s is required", pluginID, key)
		}
	}
	return p.build(cfg)
}

// decodeConfig copies a loosely typed config map into a typed struct.
func decodeConfig(pluginID string, cfg map[string]any, out any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ingesterr.Validation("%s: encode config: %v", pluginID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ingesterr.Validation("%s: invalid config: %v", pluginID, err)
	}
	return nil
}

// documentID derives a stable id from a document's source reference, so a
// re-ingested document overwrites its earlier chunks.
func documentID(ref string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(ref)).String()
}

func newDocument(plugin, ref, text string, meta map[string]any) models.Document {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["source"] = ref
	return models.Document{
		ID:       documentID(ref),
		Text:     text,
		Metadata: meta,
		SourceID: plugin,
	}
}

func jsonBytes(v any) ([]byte, error) {
	return json.Marshal(v)
}

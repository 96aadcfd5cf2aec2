package source

import (
	"context"
	"fmt"
	"maps"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

const pluginStatic = "static"

func init() {
	register(Plugin{
		ID:          pluginStatic,
		DisplayName: "Inline Documents",
		Required:    []string{"documents"},
		properties: map[string]models.SchemaProperty{
			"documents": {Type: "array", Title: "Documents", Description: "Objects with text, optional id and metadata", Items: &models.SchemaProperty{Type: "object"}},
		},
		build: func(cfg map[string]any) (Source, error) {
			var c StaticConfig
			if err := decodeConfig(pluginStatic, cfg, &c); err != nil {
				return nil, err
			}
			docs := make([]models.Document, len(c.Documents))
			for i, d := range c.Documents {
				docs[i] = models.Document{ID: d.ID, Text: d.Text, Metadata: d.Metadata}
			}
			return NewStatic(docs), nil
		},
	})
}

// StaticConfig lists documents inline in the job request.
type StaticConfig struct {
	Documents []struct {
		ID       string         `json:"id"`
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
	} `json:"documents"`
}

// Static serves a fixed list of documents. Documents without an id get one
// derived from their position.
type Static struct {
	docs []models.Document
}

// NewStatic returns a source over docs.
func NewStatic(docs []models.Document) *Static {
	out := make([]models.Document, len(docs))
	for i, d := range docs {
		ref := fmt.Sprintf("static://%d", i)
		if d.ID == "" {
			d.ID = documentID(ref)
		}
		meta := make(map[string]any, len(d.Metadata)+1)
		maps.Copy(meta, d.Metadata)
		if _, ok := meta["source"]; !ok {
			meta["source"] = ref
		}
		d.Metadata = meta
		d.SourceID = pluginStatic
		out[i] = d
	}
	return &Static{docs: out}
}

func (s *Static) Plugin() string { return pluginStatic }

func (s *Static) Count(context.Context) (int, error) {
	return len(s.docs), nil
}

func (s *Static) Open(context.Context) (Iterator, error) {
	return &staticIterator{docs: s.docs}, nil
}

type staticIterator struct {
	docs []models.Document
	pos  int
}

func (it *staticIterator) Next(ctx context.Context) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return models.Document{}, ingesterr.Wrap(ingesterr.KindCancelled, pluginStatic, err)
	}
	if it.pos >= len(it.docs) {
		return models.Document{}, EOF
	}
	d := it.docs[it.pos]
	it.pos++
	d.Metadata = maps.Clone(d.Metadata)
	return d, nil
}

func (it *staticIterator) Close() error { return nil }

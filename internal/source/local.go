package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
)

const pluginLocalFile = "local_file"

func init() {
	register(Plugin{
		ID:          pluginLocalFile,
		DisplayName: "Local File System",
		Required:    []string{"path"},
		properties: map[string]models.SchemaProperty{
			"path":       {Type: "string", Title: "Path", Description: "Directory or single file to read"},
			"recursive":  {Type: "boolean", Title: "Recursive", Description: "Descend into subdirectories", Default: true},
			"extensions": {Type: "array", Title: "Extensions", Description: "File extensions to read", Default: DefaultExtensions, Items: &models.SchemaProperty{Type: "string"}},
		},
		build: func(cfg map[string]any) (Source, error) {
			var c LocalFileConfig
			if err := decodeConfig(pluginLocalFile, cfg, &c); err != nil {
				return nil, err
			}
			return NewLocalFile(c)
		},
	})
}

// LocalFileConfig configures the local_file connector.
type LocalFileConfig struct {
	Path string `json:"path"`
	// Recursive defaults to true.
	Recursive  *bool    `json:"recursive"`
	Extensions []string `json:"extensions"`
}

// DefaultExtensions are read when no extensions are configured.
var DefaultExtensions = []string{".txt", ".md", ".pdf"}

// LocalFile reads files below a directory, or a single file.
type LocalFile struct {
	root       string
	recursive  bool
	extensions []string
}

// NewLocalFile validates the path and returns the connector.
func NewLocalFile(cfg LocalFileConfig) (*LocalFile, error) {
	if cfg.Path == "" {
		return nil, ingesterr.Validation("local_file: path is required")
	}
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	norm := make([]string, len(exts))
	for i, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm[i] = e
	}
	recursive := true
	if cfg.Recursive != nil {
		recursive = *cfg.Recursive
	}
	return &LocalFile{root: cfg.Path, recursive: recursive, extensions: norm}, nil
}

func (l *LocalFile) Plugin() string { return pluginLocalFile }

// Open lists matching files. The listing is fixed for the iterator's lifetime.
func (l *LocalFile) Open(ctx context.Context) (Iterator, error) {
	paths, err := l.list(ctx)
	if err != nil {
		return nil, err
	}
	return &localIterator{paths: paths}, nil
}

// TestConnection checks that the path exists and can be listed.
func (l *LocalFile) TestConnection(ctx context.Context) error {
	_, err := l.list(ctx)
	return err
}

// Count returns the number of matching files.
func (l *LocalFile) Count(ctx context.Context) (int, error) {
	paths, err := l.list(ctx)
	return len(paths), err
}

func (l *LocalFile) list(ctx context.Context) ([]string, error) {
	info, err := os.Stat(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ingesterr.Wrap(ingesterr.KindNotFound, pluginLocalFile, err)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, ingesterr.Wrap(ingesterr.KindAuth, pluginLocalFile, err)
		}
		return nil, ingesterr.Wrap(ingesterr.KindConnection, pluginLocalFile, err)
	}
	if !info.IsDir() {
		return []string{l.root}, nil
	}

	var paths []string
	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != l.root && (!l.recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if l.matches(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindConnection, pluginLocalFile, err)
	}
	slices.Sort(paths)
	return paths, nil
}

func (l *LocalFile) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains(l.extensions, ext)
}

type localIterator struct {
	paths []string
	pos   int
}

func (it *localIterator) Next(ctx context.Context) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return models.Document{}, err
	}
	if it.pos >= len(it.paths) {
		return models.Document{}, EOF
	}

	path := it.paths[it.pos]
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			it.pos++
			return models.Document{}, ingesterr.Wrap(ingesterr.KindNotFound, pluginLocalFile, err)
		}
		return models.Document{}, ingesterr.Wrap(ingesterr.KindConnection, pluginLocalFile, err)
	}
	it.pos++

	text, meta, err := extractText(data, path, "")
	if err != nil {
		return models.Document{}, ingesterr.Wrap(ingesterr.KindInvalidInput, pluginLocalFile, err)
	}

	abs, absErr := filepath.Abs(path)
	if absErr != nil {
		abs = path
	}
	meta["file_path"] = path
	meta["file_name"] = filepath.Base(path)
	meta["extension"] = filepath.Ext(path)
	return newDocument(pluginLocalFile, "file://"+abs, text, meta), nil
}

func (it *localIterator) Close() error { return nil }

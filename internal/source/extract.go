package source

import (
	"bytes"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/parser"
)

var plainTextExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".json": true,
	".yaml": true, ".yml": true, ".log": true, ".rst": true,
}

// extractText converts raw file content to plain text. Plain text formats
// are decoded directly; everything else (pdf, docx, html, ...) goes through
// docconv. Markdown front matter is lifted into the returned metadata.
func extractText(data []byte, name, contentType string) (string, map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = docconv.MimeTypeByExtension(name)
	}
	meta := map[string]any{"content_type": contentType}

	if ext == ".md" || ext == ".markdown" || strings.HasPrefix(contentType, "text/markdown") {
		doc := parser.ParseMarkdown(toUTF8(data))
		for k, v := range doc.Metadata() {
			meta[k] = v
		}
		return doc.Content, meta, nil
	}

	if plainTextExtensions[ext] || strings.HasPrefix(contentType, "text/plain") {
		return toUTF8(data), meta, nil
	}

	res, err := docconv.Convert(bytes.NewReader(data), baseMediaType(contentType), true)
	if err != nil {
		return "", nil, ingesterr.Wrap(ingesterr.KindInvalidInput, "extract", err)
	}
	for k, v := range res.Meta {
		meta[k] = v
	}
	return res.Body, meta, nil
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ingesterr.Errorf(ingesterr.KindInvalidInput, "extract", "document larger than %d bytes", limit)
	}
	return data, nil
}

func baseMediaType(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return contentType
}

// toUTF8 drops invalid byte sequences.
func toUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "")
}

// maxDocumentBytes bounds how much of a single object is read into memory.
const maxDocumentBytes = 64 << 20

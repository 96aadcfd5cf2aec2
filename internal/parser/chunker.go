package parser

import (
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
	"github.com/raphaelgruber/ingestd/internal/models"
)

// ChunkResult is one chunk of text with its offsets in strategy units
// (runes for character/recursive, tokens for token).
type ChunkResult struct {
	Content  string
	Position int
	Start    int
	End      int
}

// Chunker splits document text according to ChunkSettings.
// A Chunker is immutable and safe for concurrent use.
type Chunker struct {
	settings  models.ChunkSettings
	tokenizer Tokenizer
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithTokenizer sets the tokenizer used by the token strategy.
func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) {
		c.tokenizer = t
	}
}

// NewChunker normalizes and validates settings. For the token strategy the
// tokenizer for settings.EncodingName is loaded unless one was supplied.
func NewChunker(settings models.ChunkSettings, opts ...Option) (*Chunker, error) {
	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c := &Chunker{settings: settings}
	for _, opt := range opts {
		opt(c)
	}

	if settings.Strategy == models.StrategyToken && c.tokenizer == nil {
		tok, err := LoadTokenizer(settings.EncodingName)
		if err != nil {
			return nil, err
		}
		c.tokenizer = tok
	}
	return c, nil
}

// Settings returns the normalized settings.
func (c *Chunker) Settings() models.ChunkSettings {
	return c.settings
}

// Split chunks text. Empty text yields no chunks; any other text, including
// whitespace alone, is covered by the returned chunks.
func (c *Chunker) Split(text string) []ChunkResult {
	if text == "" {
		return nil
	}

	switch c.settings.Strategy {
	case models.StrategyToken:
		return c.splitTokens(text)
	case models.StrategyCharacter:
		return windows([]rune(text), 0, c.settings.ChunkSize, c.settings.ChunkOverlap)
	default:
		return c.splitRecursive(text)
	}
}

// ChunkDocument splits a document and attaches ids and metadata. Chunk ids
// are derived from the document id and sequence index, so re-chunking the
// same document yields the same ids.
func (c *Chunker) ChunkDocument(doc models.Document) []models.Chunk {
	results := c.Split(doc.Text)
	if len(results) == 0 {
		return nil
	}

	chunks := make([]models.Chunk, len(results))
	for i, r := range results {
		meta := make(map[string]any, len(doc.Metadata)+3)
		maps.Copy(meta, doc.Metadata)
		meta["document_id"] = doc.ID
		meta["chunk_index"] = i
		if _, ok := meta["source"]; !ok && doc.SourceID != "" {
			meta["source"] = doc.SourceID
		}

		chunks[i] = models.Chunk{
			ID:               ChunkID(doc.ID, i),
			Text:             r.Content,
			SourceDocumentID: doc.ID,
			SequenceIndex:    i,
			Start:            r.Start,
			End:              r.End,
			Metadata:         meta,
		}
	}
	return chunks
}

// ChunkID returns the stable id of chunk seq of document docID.
func ChunkID(docID string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s:%d", docID, seq)).String()
}

// windows walks runes in fixed windows of size, advancing by size-overlap.
// offset shifts the reported Start/End.
func windows(runes []rune, offset, size, overlap int) []ChunkResult {
	step := size - overlap
	var out []ChunkResult
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		out = append(out, ChunkResult{
			Content:  string(runes[start:end]),
			Position: len(out),
			Start:    offset + start,
			End:      offset + end,
		})
		if end == len(runes) {
			break
		}
	}
	return out
}

func (c *Chunker) splitTokens(text string) []ChunkResult {
	tokens := c.tokenizer.Encode(text)
	size, step := c.settings.ChunkSize, c.settings.ChunkSize-c.settings.ChunkOverlap

	var out []ChunkResult
	for start := 0; start < len(tokens); start += step {
		end := min(start+size, len(tokens))
		out = append(out, ChunkResult{
			Content:  c.tokenizer.Decode(tokens[start:end]),
			Position: len(out),
			Start:    start,
			End:      end,
		})
		if end == len(tokens) {
			break
		}
	}
	return out
}

// piece is a run of runes starting at offset start in the original text.
type piece struct {
	start int
	runes []rune
}

// splitRecursive splits text into separator-preserving pieces of at most
// size-overlap runes, merges neighbours greedily, then prefixes every group
// after the first with the overlap runes that precede it.
func (c *Chunker) splitRecursive(text string) []ChunkResult {
	runes := []rune(text)
	budget := c.settings.ChunkSize - c.settings.ChunkOverlap
	overlap := c.settings.ChunkOverlap

	pieces := splitPieces(piece{start: 0, runes: runes}, c.settings.Separators, budget)

	var groups []piece
	for _, p := range pieces {
		if n := len(groups); n > 0 && len(groups[n-1].runes)+len(p.runes) <= budget {
			last := &groups[n-1]
			last.runes = runes[last.start : p.start+len(p.runes)]
			continue
		}
		groups = append(groups, p)
	}

	out := make([]ChunkResult, len(groups))
	for i, g := range groups {
		start := g.start
		if i > 0 {
			start = max(0, g.start-overlap)
		}
		end := g.start + len(g.runes)
		out[i] = ChunkResult{
			Content:  string(runes[start:end]),
			Position: i,
			Start:    start,
			End:      end,
		}
	}
	return out
}

// splitPieces breaks p on the first separator present in it, recursing with
// the remaining separators for pieces still longer than budget. The empty
// separator, or running out of separators, falls back to raw windows.
func splitPieces(p piece, separators []string, budget int) []piece {
	if len(p.runes) <= budget {
		return []piece{p}
	}

	text := string(p.runes)
	for i, sep := range separators {
		if sep == "" {
			break
		}
		if !strings.Contains(text, sep) {
			continue
		}

		var out []piece
		offset := p.start
		for _, part := range strings.SplitAfter(text, sep) {
			if part == "" {
				continue
			}
			r := []rune(part)
			out = append(out, splitPieces(piece{start: offset, runes: r}, separators[i+1:], budget)...)
			offset += len(r)
		}
		return out
	}

	var out []piece
	for start := 0; start < len(p.runes); start += budget {
		end := min(start+budget, len(p.runes))
		out = append(out, piece{start: p.start + start, runes: p.runes[start:end]})
	}
	return out
}

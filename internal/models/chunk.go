package models

import (
	"strings"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// ChunkStrategy selects how document text is split.
type ChunkStrategy string

const (
	StrategyRecursive ChunkStrategy = "recursive"
	StrategyCharacter ChunkStrategy = "character"
	StrategyToken     ChunkStrategy = "token"
)

// Chunking defaults.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultEncoding     = "cl100k_base"
)

// DefaultSeparators are tried in order by the recursive strategy:
// paragraph, line, word, then single characters.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// ChunkSettings configures the chunker. Sizes are in characters, or in
// tokens when Strategy is token.
type ChunkSettings struct {
	Strategy     ChunkStrategy `json:"strategy" yaml:"strategy"`
	ChunkSize    int           `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int           `json:"chunk_overlap" yaml:"chunk_overlap"`
	Separators   []string      `json:"separators,omitempty" yaml:"separators,omitempty"`
	EncodingName string        `json:"encoding_name,omitempty" yaml:"encoding_name,omitempty"`
}

// Normalize fills defaults. A fully zero size/overlap pair becomes the
// default 1000/200; an explicit size keeps whatever overlap was given.
func (s ChunkSettings) Normalize() ChunkSettings {
	if s.Strategy == "" {
		s.Strategy = StrategyRecursive
	}
	if s.ChunkSize == 0 && s.ChunkOverlap == 0 {
		s.ChunkSize = DefaultChunkSize
		s.ChunkOverlap = DefaultChunkOverlap
	}
	if len(s.Separators) == 0 {
		s.Separators = DefaultSeparators
	} else {
		seps := make([]string, len(s.Separators))
		for i, sep := range s.Separators {
			seps[i] = unescapeSeparator(sep)
		}
		s.Separators = seps
	}
	if s.Strategy == StrategyToken && s.EncodingName == "" {
		s.EncodingName = DefaultEncoding
	}
	return s
}

// Validate rejects settings the chunker cannot honor.
func (s ChunkSettings) Validate() error {
	switch s.Strategy {
	case StrategyRecursive, StrategyCharacter, StrategyToken:
	default:
		return ingesterr.Validation("unknown chunk strategy %q", s.Strategy)
	}
	if s.ChunkSize <= 0 {
		return ingesterr.Validation("chunk_size must be positive, got %d", s.ChunkSize)
	}
	if s.ChunkOverlap < 0 {
		return ingesterr.Validation("chunk_overlap must not be negative, got %d", s.ChunkOverlap)
	}
	if s.ChunkOverlap >= s.ChunkSize {
		return ingesterr.Validation("chunk_overlap (%d) must be smaller than chunk_size (%d)", s.ChunkOverlap, s.ChunkSize)
	}
	if s.Strategy == StrategyToken && s.EncodingName == "" {
		return ingesterr.Validation("encoding_name is required for the token strategy")
	}
	return nil
}

// Form values arrive with escaped control characters ("\\n").
var separatorReplacer = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r")

func unescapeSeparator(s string) string {
	return separatorReplacer.Replace(s)
}

// Chunk is a bounded slice of a document's text.
type Chunk struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	SourceDocumentID string `json:"source_document_id"`
	SequenceIndex    int    `json:"sequence_index"`
	// Start and End are offsets in strategy units (runes or tokens).
	Start    int            `json:"start"`
	End      int            `json:"end"`
	Metadata map[string]any `json:"metadata"`
}

// Record is what a vector store sink persists for one chunk.
type Record struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"github.com/raphaelgruber/ingestd/internal/parser"
	"github.com/spf13/cobra"
)

var (
	chunkStrategy   string
	chunkSize       int
	chunkOverlap    int
	chunkSeparators []string
	chunkEncoding   string
	chunkFull       bool
	chunkJSON       bool
)

var chunkCmd = &cobra.Command{
	Use:   "chunk <file>",
	Short: "Preview how a file would be chunked",
	Long: `Split a local text or Markdown file with the given chunk settings and
print the chunks. Runs locally; no server is needed.

Markdown front matter is stripped before chunking, like the local_file
connector does.

Examples:
  ingestctl chunk README.md
  ingestctl chunk notes.txt --strategy character --chunk-size 200 --chunk-overlap 20
  ingestctl chunk spec.md --strategy token --chunk-size 256 --encoding cl100k_base
  ingestctl chunk doc.md --separator '\n\n' --separator '. ' --json`,
	Args: cobra.ExactArgs(1),
	RunE: runChunk,
}

func init() {
	f := chunkCmd.Flags()
	f.StringVar(&chunkStrategy, "strategy", "recursive", "recursive, character or token")
	f.IntVar(&chunkSize, "chunk-size", models.DefaultChunkSize, "chunk size in characters or tokens")
	f.IntVar(&chunkOverlap, "chunk-overlap", models.DefaultChunkOverlap, "overlap between chunks")
	f.StringArrayVar(&chunkSeparators, "separator", nil, `separator for the recursive strategy, in priority order (escapes like \n allowed)`)
	f.StringVar(&chunkEncoding, "encoding", "", "tiktoken encoding for the token strategy (default cl100k_base)")
	f.BoolVar(&chunkFull, "full", false, "print whole chunks instead of a preview")
	f.BoolVar(&chunkJSON, "json", false, "print chunks as JSON")
	rootCmd.AddCommand(chunkCmd)
}

func runChunk(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return &UserError{
			Message:  "Cannot read file",
			Cause:    err.Error(),
			Fix:      "Check the path",
			ExitCode: ExitInput,
			Err:      err,
		}
	}

	settings := models.ChunkSettings{
		Strategy:     models.ChunkStrategy(chunkStrategy),
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   chunkSeparators,
		EncodingName: chunkEncoding,
	}
	chunker, err := parser.NewChunker(settings)
	if err != nil {
		if ingesterr.Is(err, ingesterr.KindValidation) {
			return NewInputError("Invalid chunk settings", ingesterr.Message(err), "Adjust --chunk-size, --chunk-overlap or --strategy")
		}
		return &UserError{Message: "Cannot create chunker", Cause: err.Error(), ExitCode: ExitConfig, Err: err}
	}

	text := string(data)
	meta := map[string]any{"source": path}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".md" || ext == ".markdown" {
		md := parser.ParseMarkdown(text)
		text = md.Content
		for k, v := range md.Metadata() {
			meta[k] = v
		}
	}

	doc := models.Document{ID: path, Text: text, Metadata: meta}
	chunks := chunker.ChunkDocument(doc)

	out := cmd.OutOrStdout()
	if chunkJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(chunks)
	}
	printChunks(out, chunker.Settings(), chunks, chunkFull)
	return nil
}

func printChunks(out io.Writer, s models.ChunkSettings, chunks []models.Chunk, full bool) {
	unit := "chars"
	if s.Strategy == models.StrategyToken {
		unit = "tokens"
	}
	fmt.Fprintf(out, "%d chunks (%s, size %d, overlap %d %s)\n", len(chunks), s.Strategy, s.ChunkSize, s.ChunkOverlap, unit)

	for _, c := range chunks {
		fmt.Fprintf(out, "\n#%d [%d:%d] %d %s\n", c.SequenceIndex, c.Start, c.End, c.End-c.Start, unit)
		text := c.Text
		if !full {
			text = preview(text, 160)
		}
		fmt.Fprintln(out, text)
	}
}

// preview collapses whitespace and shortens s to at most n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

package parser

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// Tokenizer encodes text to token ids and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t tiktokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

var (
	tokenizerMu    sync.Mutex
	tokenizerCache = map[string]Tokenizer{}
)

// LoadTokenizer returns the tiktoken encoding for name, loading it once per
// process. Unknown encodings are a validation error.
func LoadTokenizer(name string) (Tokenizer, error) {
	tokenizerMu.Lock()
	defer tokenizerMu.Unlock()

	if tok, ok := tokenizerCache[name]; ok {
		return tok, nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, ingesterr.Validation("load encoding %q: %v", name, err)
	}
	tok := tiktokenizer{enc: enc}
	tokenizerCache[name] = tok
	return tok, nil
}

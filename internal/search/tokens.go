package search

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts prompt tokens in text.
type TokenCounter interface {
	Count(text string) int
}

// Tokenizer counts tokens with the cl100k_base encoding, falling back to a
// characters-per-token estimate when the encoding is unavailable.
type Tokenizer struct {
	codec    tokenizer.Codec
	fallback bool
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// DefaultTokenizer returns the shared tokenizer.
func DefaultTokenizer() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		defaultTokenizer = NewTokenizer()
	})
	return defaultTokenizer
}

// NewTokenizer creates a tokenizer.
func NewTokenizer() *Tokenizer {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return &Tokenizer{fallback: true}
	}
	return &Tokenizer{codec: codec}
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return heuristicTokenCount(text)
	}
	return len(ids)
}

// heuristicTokenCount estimates four characters per token.
func heuristicTokenCount(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

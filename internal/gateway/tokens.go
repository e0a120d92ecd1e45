package gateway

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates the number of model tokens in a text.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a cl100k_base counter, or a word-based estimate
// if the encoding cannot be loaded.
func NewTokenCounter() TokenCounter {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Msg("Tokenizer unavailable, falling back to word estimate")
		return WordCounter{}
	}
	return &TiktokenCounter{codec: codec}
}

// Count returns the BPE token count of text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return WordCounter{}.Count(text)
	}
	return len(ids)
}

// WordCounter approximates tokens as 4/3 of the word count.
type WordCounter struct{}

// Count returns the estimate for text.
func (WordCounter) Count(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 1) / 3
}

package gate

import (
	"github.com/tiktoken-go/tokenizer"
)

// tokenCounter sizes history for the token ceiling.
type tokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	codec tokenizer.Codec
}

func newTokenCounter() (tokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return tiktokenCounter{codec: codec}, nil
}

func (c tiktokenCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

func historyTokens(c tokenCounter, history []Message) int {
	n := 0
	for _, m := range history {
		n += c.Count(m.Content)
	}
	return n
}

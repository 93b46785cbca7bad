package executor

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// EstimateTokens counts text locally with the o200k_base encoding. Gemini
// tokenizes differently, so the result is an approximation suitable for
// guarding prompt size before a call is made.
func EstimateTokens(text string) (int, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.O200kBase)
	})
	if codecErr != nil {
		return 0, codecErr
	}
	return codec.Count(text)
}

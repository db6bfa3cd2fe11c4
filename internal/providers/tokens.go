package providers

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts tokens with the cl100k codec. Providers do not share a
// tokenizer, so this is an estimate used only when a response omits usage.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec == nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

func EstimateHistory(history []Message) int {
	total := 0
	for _, m := range history {
		total += EstimateTokens(m.Content)
	}
	return total
}

// FillUsage completes missing token counts so TotalTokens is always the sum of
// prompt and completion counts.
func FillUsage(res *Result, history []Message) {
	if res.PromptTokens <= 0 {
		res.PromptTokens = EstimateHistory(history)
	}
	if res.CompletionTokens <= 0 {
		res.CompletionTokens = EstimateTokens(res.Text)
	}
	if sum := res.PromptTokens + res.CompletionTokens; res.TotalTokens < sum {
		res.TotalTokens = sum
	}
}

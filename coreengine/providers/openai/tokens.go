package openai

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the chat framing tokens added per message.
const perMessageOverhead = 4

// TokenCounter estimates prompt sizes with tiktoken encodings.
type TokenCounter struct {
	mu     sync.RWMutex
	codecs map[string]tokenizer.Codec
}

// NewTokenCounter creates an empty counter; codecs load lazily per model.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{codecs: make(map[string]tokenizer.Codec)}
}

// CountMessages estimates the prompt tokens of msgs for model.
// It returns 0 when no encoding is available.
func (c *TokenCounter) CountMessages(model string, msgs []ChatMessage) int {
	codec, err := c.codec(model)
	if err != nil {
		return 0
	}
	total := 0
	for _, m := range msgs {
		ids, _, err := codec.Encode(m.Content)
		if err != nil {
			continue
		}
		total += len(ids) + perMessageOverhead
	}
	return total
}

func (c *TokenCounter) codec(model string) (tokenizer.Codec, error) {
	c.mu.RLock()
	cached, ok := c.codecs[model]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.ForModel(mapModelName(model))
	if err != nil {
		codec, err = tokenizer.Get(modelToEncoding(model))
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.codecs[model] = codec
	c.mu.Unlock()
	return codec, nil
}

func mapModelName(model string) tokenizer.Model {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-5"):
		return tokenizer.GPT5
	case strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.GPT41
	case strings.HasPrefix(model, "gpt-4o"):
		return tokenizer.GPT4o
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.GPT4
	default:
		return tokenizer.Model(model)
	}
}

// modelToEncoding picks an encoding for deployment names the tokenizer does not know.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	if strings.HasPrefix(model, "gpt-4-") || model == "gpt-4" || strings.HasPrefix(model, "gpt-3.5") {
		return tokenizer.Cl100kBase
	}
	return tokenizer.O200kBase
}

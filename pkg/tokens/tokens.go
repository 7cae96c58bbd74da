// Package tokens implements the engine's TokenCounter port on tiktoken.
// Counting must be deterministic: the budget actions rely on identical text
// producing identical counts.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

const fallbackEncoding = "cl100k_base"

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// Counter counts tokens with the encoding of a given model. Falls back to
// cl100k_base for unknown models.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var _ runtime.TokenCounter = (*Counter)(nil)

// NewCounter builds a counter for model, reusing cached encodings.
func NewCounter(model string) (*Counter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &Counter{encoding: enc, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding for %q: %w", model, err)
		}
	}
	encodingCache[model] = enc
	return &Counter{encoding: enc, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model the counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// CountMessages counts a chat history including per-message role overhead,
// following the OpenAI chat format accounting.
func CountMessages(tc runtime.TokenCounter, messages []runtime.ChatMessage) int {
	const tokensPerMessage = 3
	total := 3 // reply priming
	for _, msg := range messages {
		total += tokensPerMessage
		total += tc.Count(msg.Role)
		total += tc.Count(msg.Content)
	}
	return total
}

// FitHistory trims a dialog oldest-first until it fits maxTokens. The most
// recent turns always survive longest.
func FitHistory(tc runtime.TokenCounter, messages []runtime.ChatMessage, maxTokens int) []runtime.ChatMessage {
	if len(messages) == 0 || maxTokens <= 0 {
		return nil
	}
	used := 3
	var fitted []runtime.ChatMessage
	for i := len(messages) - 1; i >= 0; i-- {
		cost := CountMessages(tc, messages[i:i+1]) - 3
		if used+cost > maxTokens {
			break
		}
		fitted = append([]runtime.ChatMessage{messages[i]}, fitted...)
		used += cost
	}
	return fitted
}

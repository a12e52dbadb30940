// Package tokenizer provides tiktoken-backed token counting for the loop's
// context-pressure decisions, with character-based estimation as fallback
// when an encoding cannot be initialized.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/agentloop/types"
)

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// Tokenizer counts tokens with tiktoken and satisfies types.Tokenizer.
// Initialization is lazy (the first use may download encoding data); on
// init failure every call falls back to the estimate tokenizer so counting
// stays total.
type Tokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	fallback *types.EstimateTokenizer
}

// New creates a tokenizer for the given model, resolving the encoding by
// exact then prefix match, defaulting to cl100k_base.
func New(model string) *Tokenizer {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, enc := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding = enc
				ok = true
				break
			}
		}
	}
	if !ok {
		encoding = defaultEncoding
	}
	return &Tokenizer{
		model:    model,
		encoding: encoding,
		fallback: types.NewEstimateTokenizer(),
	}
}

func (t *Tokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens counts tokens in a text string.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessageTokens counts tokens in a single message, including tool call
// arguments and tool return payloads plus per-message overhead.
func (t *Tokenizer) CountMessageTokens(msg *types.Message) int {
	// <|start|>role\n content<|end|>\n
	tokens := 4
	tokens += t.CountTokens(string(msg.Role))
	for _, p := range msg.Content {
		tokens += t.CountTokens(p.Text)
		tokens += len(p.Data) / 4
	}
	if msg.ToolCall != nil {
		tokens += t.CountTokens(msg.ToolCall.Name)
		tokens += t.CountTokens(string(msg.ToolCall.Arguments))
	}
	if msg.ToolReturn != nil {
		tokens += t.CountTokens(msg.ToolReturn.Value)
	}
	return tokens
}

// CountMessagesTokens counts total tokens across messages.
func (t *Tokenizer) CountMessagesTokens(msgs []*types.Message) int {
	total := 3 // conversation-end overhead
	for _, msg := range msgs {
		total += t.CountMessageTokens(msg)
	}
	return total
}

// EstimateToolTokens estimates tokens for tool schemas.
func (t *Tokenizer) EstimateToolTokens(tools []types.ToolSchema) int {
	total := 0
	for _, tool := range tools {
		total += t.CountTokens(tool.Name)
		total += t.CountTokens(tool.Description)
		total += len(tool.Parameters) / 4
		total += 10
	}
	return total
}

// Name identifies the tokenizer and its encoding.
func (t *Tokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

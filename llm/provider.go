// Package llm defines the narrow adapter contract the step loop consumes.
// Vendor-specific request/response mapping lives behind the Provider
// interface and is out of the runtime's scope.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentloop/types"
)

// ChatRequest is the adapter-facing request shape. The runtime instructs the
// adapter to call exactly ForceTool when the rule solver narrowed the legal
// set to one tool.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []*types.Message   `json:"messages"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ForceTool   string             `json:"force_tool,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Timeout     time.Duration      `json:"timeout,omitempty"`
}

// ChatResponse is the adapter's parsed result: at most one tool call plus
// any reasoning content and token usage.
type ChatResponse struct {
	ToolCall         *types.ToolCall  `json:"tool_call,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	Content          string           `json:"content,omitempty"`
	Usage            types.TokenUsage `json:"usage"`
	Model            string           `json:"model,omitempty"`
	FinishReason     string           `json:"finish_reason,omitempty"`
}

// Provider defines the unified LLM adapter interface.
type Provider interface {
	// Completion issues one synchronous request and returns the parsed
	// response. Context-window overflow must surface as an error for which
	// IsContextOverflow reports true.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider's unique identifier.
	Name() string
}

// ContextOverflowError builds the distinguishable context-window-exceeded
// condition.
func ContextOverflowError(provider string, cause error) error {
	return types.NewError(types.ErrContextTooLong, "context window exceeded").
		WithProvider(provider).
		WithCause(cause)
}

// IsContextOverflow reports whether err is the context-window-exceeded
// condition, which the loop recovers from via forced summarization.
func IsContextOverflow(err error) bool {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Code == types.ErrContextTooLong || e.Code == types.ErrContextOverflow
	}
	return false
}

// IsInvalidResponse reports whether err indicates malformed model output as
// opposed to a transport/API failure. The loop maps it to a distinct stop
// reason.
func IsInvalidResponse(err error) bool {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Code == types.ErrInvalidResponse
	}
	return false
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/types"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions adapter.
// Providers like DeepSeek, Qwen and GLM speak the same wire shape; only the
// base URL, default model and headers differ.
type OpenAIConfig struct {
	// ProviderName identifies the adapter in errors and logs.
	ProviderName string
	APIKey       string
	BaseURL      string
	// DefaultModel is used when the request carries no model.
	DefaultModel string
	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string
	// Timeout is the HTTP client timeout. Defaults to 60s.
	Timeout time.Duration
	// BuildHeaders overrides the default bearer-token headers.
	BuildHeaders func(req *http.Request, apiKey string)
}

// OpenAIProvider implements Provider over any OpenAI-compatible HTTP API.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return p.cfg.ProviderName }

// wire shapes

type oaMessage struct {
	Role             string       `json:"role"`
	Content          string       `json:"content"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ToolCalls        []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string         `json:"type"`
	Function oaToolFunction `json:"function"`
}

type oaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  any         `json:"tool_choice,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float32     `json:"temperature,omitempty"`
}

type oaResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string    `json:"finish_reason"`
		Message      oaMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type oaErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Completion issues one synchronous chat-completions request.
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	body := oaRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Tools:       convertTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.ForceTool != "" {
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ForceTool},
		}
	} else if len(body.Tools) > 0 {
		body.ToolChoice = "required"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewError(types.ErrUpstreamTimeout, "llm request timed out").
				WithProvider(p.Name()).WithRetryable(true).WithCause(err)
		}
		return nil, types.NewError(types.ErrUpstreamError, "llm request failed").
			WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, p.mapHTTPError(resp.StatusCode, resp.Body)
	}

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewError(types.ErrInvalidResponse, "decode completion response").
			WithProvider(p.Name()).WithCause(err)
	}
	if len(parsed.Choices) == 0 {
		return nil, types.NewError(types.ErrInvalidResponse, "completion returned no choices").
			WithProvider(p.Name())
	}

	choice := parsed.Choices[0]
	out := &ChatResponse{
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
		Model:            parsed.Model,
		FinishReason:     choice.FinishReason,
		Usage: types.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	if len(choice.Message.ToolCalls) > 0 {
		call := choice.Message.ToolCalls[0]
		out.ToolCall = &types.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		}
	}
	return out, nil
}

func (p *OpenAIProvider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

func (p *OpenAIProvider) buildHeaders(req *http.Request) {
	if p.cfg.BuildHeaders != nil {
		p.cfg.BuildHeaders(req, p.cfg.APIKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// mapHTTPError translates an error status into the runtime taxonomy. Context
// overflow hides behind a generic 400, so the body message is inspected.
func (p *OpenAIProvider) mapHTTPError(status int, body io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(body, 8192))
	msg := string(raw)
	var eb oaErrorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}

	if status == http.StatusBadRequest && looksLikeOverflow(msg) {
		return ContextOverflowError(p.Name(), fmt.Errorf("%s", msg))
	}

	code := types.ErrUpstreamError
	retryable := false
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = types.ErrAuthentication
	case status == http.StatusNotFound:
		code = types.ErrModelNotFound
	case status == http.StatusTooManyRequests:
		code, retryable = types.ErrRateLimited, true
	case status == http.StatusBadRequest:
		code = types.ErrInvalidRequest
	case status >= 500:
		retryable = true
	}
	return types.NewError(code, fmt.Sprintf("status %d: %s", status, msg)).
		WithProvider(p.Name()).WithRetryable(retryable)
}

func looksLikeOverflow(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "context window")
}

func convertMessages(msgs []*types.Message) []oaMessage {
	out := make([]oaMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleTool:
			out = append(out, oaMessage{
				Role:       "tool",
				Content:    toolReturnContent(m),
				ToolCallID: m.ToolCallID,
			})
		case types.RoleAssistant:
			oam := oaMessage{Role: "assistant", Content: m.PlainText()}
			if m.ToolCall != nil {
				oam.ToolCalls = []oaToolCall{{
					ID:   m.ToolCall.ID,
					Type: "function",
					Function: oaFunction{
						Name:      m.ToolCall.Name,
						Arguments: string(m.ToolCall.Arguments),
					},
				}}
			}
			out = append(out, oam)
		default:
			out = append(out, oaMessage{Role: string(m.Role), Content: m.PlainText()})
		}
	}
	return out
}

func toolReturnContent(m *types.Message) string {
	if m.ToolReturn == nil {
		return m.PlainText()
	}
	encoded, err := json.Marshal(m.ToolReturn)
	if err != nil {
		return m.ToolReturn.Value
	}
	return string(encoded)
}

func convertTools(schemas []types.ToolSchema) []oaTool {
	out := make([]oaTool, 0, len(schemas))
	for _, s := range schemas {
		if len(s.Parameters) == 0 {
			s.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, oaTool{
			Type: "function",
			Function: oaToolFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

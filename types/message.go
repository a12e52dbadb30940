package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType identifies one typed part of a message body.
type ContentPartType string

const (
	PartText              ContentPartType = "text"
	PartReasoning         ContentPartType = "reasoning"
	PartRedactedReasoning ContentPartType = "redacted_reasoning"
	PartImage             ContentPartType = "image"
)

// ContentPart is one ordered element of a message body.
type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text,omitempty"`
	// Data carries base64 image bytes or redacted reasoning payloads.
	Data string `json:"data,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ReasoningPart builds a reasoning content part.
func ReasoningPart(text string) ContentPart {
	return ContentPart{Type: PartReasoning, Text: text}
}

// ToolCall represents a tool invocation request from the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolReturn carries the outcome of a dispatched tool call.
type ToolReturn struct {
	Success bool     `json:"success"`
	Value   string   `json:"value"`
	Stdout  []string `json:"stdout,omitempty"`
	Stderr  []string `json:"stderr,omitempty"`
}

// Message represents one conversational turn or event. Once persisted it is
// immutable, with a single exception: the compiled system message at index 0
// of an agent's message_ids is updated in place.
type Message struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id"`
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content,omitempty"`
	ToolCall   *ToolCall     `json:"tool_call,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	ToolReturn *ToolReturn   `json:"tool_return,omitempty"`
	// OTID is the client-supplied origin transaction id correlating the
	// sub-messages of one logical step. Suffix digit 0 marks the
	// reasoning/tool-call part, 1 the terminal part.
	OTID      string    `json:"otid,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return "message-" + uuid.NewString()
}

// NewStepID returns a fresh step identifier.
func NewStepID() string {
	return "step-" + uuid.NewString()
}

// OTIDWithSuffix appends the step-internal ordering digit to a base otid.
func OTIDWithSuffix(base string, part int) string {
	if base == "" {
		base = uuid.NewString()
	}
	return base + "-" + string(rune('0'+part))
}

// NewMessage creates a message with the given role and a single text part.
func NewMessage(agentID string, role Role, text string) *Message {
	return &Message{
		ID:        NewMessageID(),
		AgentID:   agentID,
		Role:      role,
		Content:   []ContentPart{TextPart(text)},
		CreatedAt: time.Now().UTC(),
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(agentID, text string) *Message {
	return NewMessage(agentID, RoleSystem, text)
}

// NewUserMessage creates a user message.
func NewUserMessage(agentID, text string) *Message {
	return NewMessage(agentID, RoleUser, text)
}

// Text concatenates the message's text and reasoning parts.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText || p.Type == PartReasoning {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// PlainText concatenates only the plain text parts.
func (m *Message) PlainText() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// IsToolReturn reports whether the message carries a tool result.
func (m *Message) IsToolReturn() bool {
	return m.Role == RoleTool && m.ToolReturn != nil
}

// HasToolCall reports whether the message requests a tool invocation.
func (m *Message) HasToolCall() bool {
	return m.ToolCall != nil
}

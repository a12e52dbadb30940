package types

import "encoding/json"

// ToolSchema describes one callable tool surface exposed to the LLM.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolDefinition is an attached tool: its schema plus runtime limits.
type ToolDefinition struct {
	Schema ToolSchema `json:"schema"`
	// ReturnCharLimit truncates the tool's return value. Zero means the
	// executor default applies.
	ReturnCharLimit int `json:"return_char_limit,omitempty"`
}

// MemoryBlock is one named, size-limited text block compiled into the
// system message.
type MemoryBlock struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Limit int    `json:"limit,omitempty"` // character limit, 0 = unlimited
}

// LLMConfig holds the model parameters for one agent.
type LLMConfig struct {
	Model           string  `json:"model" yaml:"model"`
	Endpoint        string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ContextWindow   int     `json:"context_window" yaml:"context_window"`
	Temperature     float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens       int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	EnableReasoning bool    `json:"enable_reasoning,omitempty" yaml:"enable_reasoning,omitempty"`
}

// AgentState is the mutable configuration and pointer-set for one agent.
// MessageIDs is the explicit ordered in-context sequence; ordering is never
// implied by timestamps because the list is independently trimmed and
// rewritten. The first entry always points at the compiled system message.
type AgentState struct {
	ID           string           `json:"id"`
	LLMConfig    LLMConfig        `json:"llm_config"`
	ToolRules    []ToolRule       `json:"tool_rules,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Memory       []MemoryBlock    `json:"memory,omitempty"`
	MessageIDs   []string         `json:"message_ids"`
	MaxFilesOpen int              `json:"max_files_open,omitempty"`
	Timezone     string           `json:"timezone,omitempty"`
}

// ToolNames returns the names of all attached tools in attachment order.
func (a *AgentState) ToolNames() []string {
	names := make([]string, 0, len(a.Tools))
	for _, t := range a.Tools {
		names = append(names, t.Schema.Name)
	}
	return names
}

// ToolByName looks up an attached tool definition.
func (a *AgentState) ToolByName(name string) (ToolDefinition, bool) {
	for _, t := range a.Tools {
		if t.Schema.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

package types

// RuleKind is the closed set of tool rule variants. The solver partitions a
// flat rule list into typed buckets at construction, so each operation can
// switch exhaustively instead of scattering type checks.
type RuleKind string

const (
	// RuleChild restricts the tools callable after ToolName to Children.
	RuleChild RuleKind = "constrain_child_tools"
	// RuleConditional routes to a child keyed on the tool's output status.
	RuleConditional RuleKind = "conditional"
	// RuleMaxCountPerStep caps how often ToolName may be called per run.
	RuleMaxCountPerStep RuleKind = "max_count_per_step"
	// RuleTerminal ends the run once ToolName is called.
	RuleTerminal RuleKind = "exit_loop"
	// RuleContinue forces continuation after ToolName regardless of the
	// model's heartbeat signal.
	RuleContinue RuleKind = "continue_loop"
	// RuleRequiredBeforeExit keeps the run alive until ToolName was called.
	RuleRequiredBeforeExit RuleKind = "required_before_exit"
	// RuleRequiresApproval gates ToolName behind a human approve/deny.
	RuleRequiresApproval RuleKind = "requires_approval"
)

// ToolRule is one declarative constraint on legal tool-call sequencing.
// Only the fields relevant to Kind are populated.
type ToolRule struct {
	Kind     RuleKind `json:"kind" yaml:"kind"`
	ToolName string   `json:"tool_name" yaml:"tool_name"`

	// Children applies to RuleChild.
	Children []string `json:"children,omitempty" yaml:"children,omitempty"`

	// DefaultChild, ChildOutputMapping and RequireOutputMapping apply to
	// RuleConditional.
	DefaultChild         string            `json:"default_child,omitempty" yaml:"default_child,omitempty"`
	ChildOutputMapping   map[string]string `json:"child_output_mapping,omitempty" yaml:"child_output_mapping,omitempty"`
	RequireOutputMapping bool              `json:"require_output_mapping,omitempty" yaml:"require_output_mapping,omitempty"`

	// MaxCountLimit applies to RuleMaxCountPerStep.
	MaxCountLimit int `json:"max_count_limit,omitempty" yaml:"max_count_limit,omitempty"`
}

// ChildRule declares that only children may follow toolName.
func ChildRule(toolName string, children ...string) ToolRule {
	return ToolRule{Kind: RuleChild, ToolName: toolName, Children: children}
}

// TerminalRule declares toolName as run-terminating.
func TerminalRule(toolName string) ToolRule {
	return ToolRule{Kind: RuleTerminal, ToolName: toolName}
}

// ContinueRule declares toolName as continuation-forcing.
func ContinueRule(toolName string) ToolRule {
	return ToolRule{Kind: RuleContinue, ToolName: toolName}
}

// MaxCountRule caps toolName at limit calls per run.
func MaxCountRule(toolName string, limit int) ToolRule {
	return ToolRule{Kind: RuleMaxCountPerStep, ToolName: toolName, MaxCountLimit: limit}
}

// RequiredBeforeExitRule requires toolName to be called before the run may end.
func RequiredBeforeExitRule(toolName string) ToolRule {
	return ToolRule{Kind: RuleRequiredBeforeExit, ToolName: toolName}
}

// RequiresApprovalRule gates toolName behind human approval.
func RequiresApprovalRule(toolName string) ToolRule {
	return ToolRule{Kind: RuleRequiresApproval, ToolName: toolName}
}

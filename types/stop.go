package types

// StopReason is a tagged enum explaining why a run (or step) ended.
type StopReason string

const (
	// StopReasonEndTurn indicates the model ended its turn normally.
	StopReasonEndTurn StopReason = "end_turn"
	// StopReasonToolRule indicates a tool rule forced termination, including
	// the terminal-tool-plus-heartbeat conflict, which is overridden to stop
	// and recorded here rather than surfaced separately.
	StopReasonToolRule StopReason = "tool_rule"
	// StopReasonMaxSteps indicates the run exhausted its step budget.
	StopReasonMaxSteps StopReason = "max_steps"
	// StopReasonRequiresApproval indicates the run paused awaiting an
	// external approve/deny decision for an approval-gated tool.
	StopReasonRequiresApproval StopReason = "requires_approval"
	// StopReasonLLMAPIError indicates the LLM call failed after retries.
	StopReasonLLMAPIError StopReason = "llm_api_error"
	// StopReasonInvalidLLMResponse indicates the LLM output could not be
	// parsed into a usable tool call.
	StopReasonInvalidLLMResponse StopReason = "invalid_llm_response"
	// StopReasonNoToolCall indicates the model returned no tool call at all.
	StopReasonNoToolCall StopReason = "no_tool_call"
	// StopReasonCancelled indicates the run was cancelled between steps.
	StopReasonCancelled StopReason = "cancelled"
)

// IsError reports whether the stop reason maps to a failed run status.
func (s StopReason) IsError() bool {
	switch s {
	case StopReasonLLMAPIError, StopReasonInvalidLLMResponse, StopReasonNoToolCall:
		return true
	}
	return false
}

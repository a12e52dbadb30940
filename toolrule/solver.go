package toolrule

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/types"
)

// Solver errors. Empty-set conditions are surfaced as errors only when the
// caller asks for them; mid-run the step executor prefers the fallback set.
var (
	ErrNoAllowedTools = types.NewError(types.ErrRuleConfig, "no valid next tool under current rules")
	ErrNoMappedChild  = types.NewError(types.ErrRuleConfig, "conditional rule matched no child and requires an output mapping")
)

// Solver wraps a Graph with mutable per-run call-count state. A Solver is
// scoped to exactly one run: construct it fresh per run and never share it
// across runs. After a durable-workflow retry, rebuild the counters from the
// persisted message history via ReplayCalls instead of trusting in-memory
// state.
//
// When a tool carries both a terminal designation and child edges, terminal
// wins, then children, then continue (deterministic precedence).
type Solver struct {
	graph      *Graph
	callCounts map[string]int
	lastTool   string
	logger     *zap.Logger
}

// NewSolver creates a Solver over the given graph with zeroed counters.
func NewSolver(graph *Graph, logger *zap.Logger) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		graph:      graph,
		callCounts: make(map[string]int),
		logger:     logger,
	}
}

// RegisterToolCall increments the call count for toolName and updates the
// most-recently-called pointer used by child/conditional resolution.
func (s *Solver) RegisterToolCall(toolName string) {
	s.callCounts[toolName]++
	s.lastTool = toolName
}

// ReplayCalls re-registers every tool call found in msgs, in order. Used to
// reconstruct equivalent counter state from persisted history after a
// workflow retry.
func (s *Solver) ReplayCalls(msgs []*types.Message) {
	for _, m := range msgs {
		if m.ToolCall != nil {
			s.RegisterToolCall(m.ToolCall.Name)
		}
	}
}

// CallCount returns how often toolName has been called this run.
func (s *Solver) CallCount(toolName string) int {
	return s.callCounts[toolName]
}

// LastTool returns the most recently registered tool name.
func (s *Solver) LastTool() string {
	return s.lastTool
}

// GetAllowedToolNames computes the legal set of next tool calls. The result
// preserves the ordering of availableTools, so it is deterministic for a
// given input. lastFunctionResponse feeds conditional-rule resolution; pass
// the raw stringified return of the most recent tool call, or empty.
//
// When the computed set is empty: with errorOnEmpty the broken graph is
// surfaced as an error; without it the unrestricted available set minus
// count-exhausted tools is returned as a best-effort fallback.
func (s *Solver) GetAllowedToolNames(availableTools []string, lastFunctionResponse string, errorOnEmpty bool) ([]string, error) {
	candidates := availableTools

	if rule, ok := s.graph.ConditionalRule(s.lastTool); ok && s.lastTool != "" {
		child, err := resolveConditionalChild(rule, lastFunctionResponse)
		if err != nil {
			if errorOnEmpty {
				return nil, err
			}
			s.logger.Warn("conditional rule resolution failed, falling back",
				zap.String("tool", s.lastTool), zap.Error(err))
			return s.excludeExhausted(availableTools), nil
		}
		candidates = intersect(availableTools, []string{child})
	} else if children := s.graph.Children(s.lastTool); len(children) > 0 {
		candidates = intersect(availableTools, children)
	}

	allowed := s.excludeExhausted(candidates)

	if len(allowed) == 0 {
		if errorOnEmpty {
			return nil, ErrNoAllowedTools
		}
		s.logger.Warn("empty allowed-tool set, falling back to unrestricted",
			zap.String("last_tool", s.lastTool))
		return s.excludeExhausted(availableTools), nil
	}
	return allowed, nil
}

// excludeExhausted filters out tools whose max-count limit is reached.
func (s *Solver) excludeExhausted(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if limit, ok := s.graph.MaxCount(name); ok && s.callCounts[name] >= limit {
			continue
		}
		out = append(out, name)
	}
	return out
}

// IsTerminalTool reports whether calling toolName terminates the run.
func (s *Solver) IsTerminalTool(toolName string) bool {
	return s.graph.IsTerminal(toolName)
}

// IsContinueTool reports whether toolName forces continuation.
func (s *Solver) IsContinueTool(toolName string) bool {
	return s.graph.IsContinue(toolName)
}

// HasChildrenTools reports whether toolName has a non-empty child rule.
func (s *Solver) HasChildrenTools(toolName string) bool {
	return s.graph.HasChildren(toolName)
}

// IsRequiresApprovalTool reports whether toolName is approval-gated.
func (s *Solver) IsRequiresApprovalTool(toolName string) bool {
	return s.graph.RequiresApproval(toolName)
}

// GetUncalledRequiredTools returns required-before-exit tools that have not
// been called this run, preserving availableTools ordering.
func (s *Solver) GetUncalledRequiredTools(availableTools []string) []string {
	var uncalled []string
	for _, name := range availableTools {
		if s.graph.required[name] && s.callCounts[name] == 0 {
			uncalled = append(uncalled, name)
		}
	}
	return uncalled
}

// resolveConditionalChild maps the last function response onto a child tool.
// Contract: the response is parsed as a JSON object and its "status" string
// field is the mapping key; a non-JSON response matches on its trimmed raw
// text. With no match, DefaultChild applies unless the rule requires a
// mapped output, which is an error condition.
func resolveConditionalChild(rule types.ToolRule, lastFunctionResponse string) (string, error) {
	key := extractStatus(lastFunctionResponse)
	if child, ok := rule.ChildOutputMapping[key]; ok {
		return child, nil
	}
	if rule.RequireOutputMapping {
		return "", ErrNoMappedChild
	}
	if rule.DefaultChild == "" {
		return "", ErrNoMappedChild
	}
	return rule.DefaultChild, nil
}

// extractStatus pulls the match key out of a stringified tool response.
func extractStatus(response string) string {
	trimmed := strings.TrimSpace(response)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		if raw, ok := obj["status"]; ok {
			var status string
			if err := json.Unmarshal(raw, &status); err == nil {
				return status
			}
			// Non-string status values match on their JSON text.
			return strings.Trim(string(raw), `"`)
		}
	}
	return strings.Trim(trimmed, `"`)
}

// intersect keeps elements of base that appear in filter, preserving base
// ordering.
func intersect(base, filter []string) []string {
	want := make(map[string]bool, len(filter))
	for _, f := range filter {
		want[f] = true
	}
	out := make([]string, 0, len(base))
	for _, b := range base {
		if want[b] {
			out = append(out, b)
		}
	}
	return out
}

// describeCount renders a human-readable call budget.
func describeCount(limit int) string {
	if limit == 1 {
		return "at most once"
	}
	return fmt.Sprintf("at most %d times", limit)
}

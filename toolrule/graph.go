// Package toolrule implements the declarative tool-sequencing constraint
// system: a static rule graph plus a per-run solver that answers which tools
// may legally be called next and whether a call terminates the run.
package toolrule

import (
	"fmt"

	"github.com/BaSui01/agentloop/types"
)

// ValidationMode controls how construction treats malformed rule sets.
type ValidationMode int

const (
	// ModeLenient silently drops child edges referencing unattached tools.
	// This is the default for in-flight execution, where crashing a run on a
	// stale rule is worse than ignoring the edge.
	ModeLenient ValidationMode = iota
	// ModeStrict rejects dangling edges, duplicate max-count rules and child
	// cycles. Used on interactive agent create/update.
	ModeStrict
)

// Graph is the static representation of an agent's declared tool rules,
// partitioned into typed buckets. It is cheap to rebuild per step and holds
// no per-run state.
type Graph struct {
	children    map[string][]string
	parents     map[string][]string
	conditional map[string]types.ToolRule
	maxCounts   map[string]int
	terminal    map[string]bool
	continuing  map[string]bool
	required    map[string]bool
	approval    map[string]bool

	// ruleOrder preserves declaration order for deterministic prompts.
	ruleOrder []types.ToolRule
}

// NewGraph builds a Graph from the raw rule list. availableTools is the
// agent's attached tool set; in ModeStrict any child edge referencing a tool
// outside it is a configuration error, in ModeLenient the edge is dropped.
func NewGraph(rules []types.ToolRule, availableTools []string, mode ValidationMode) (*Graph, error) {
	attached := make(map[string]bool, len(availableTools))
	for _, name := range availableTools {
		attached[name] = true
	}

	g := &Graph{
		children:    make(map[string][]string),
		parents:     make(map[string][]string),
		conditional: make(map[string]types.ToolRule),
		maxCounts:   make(map[string]int),
		terminal:    make(map[string]bool),
		continuing:  make(map[string]bool),
		required:    make(map[string]bool),
		approval:    make(map[string]bool),
		ruleOrder:   append([]types.ToolRule(nil), rules...),
	}

	for _, rule := range rules {
		switch rule.Kind {
		case types.RuleChild:
			kept := make([]string, 0, len(rule.Children))
			for _, child := range rule.Children {
				if len(attached) > 0 && !attached[child] {
					if mode == ModeStrict {
						return nil, types.NewError(types.ErrRuleConfig,
							fmt.Sprintf("child rule for %q references unattached tool %q", rule.ToolName, child))
					}
					continue
				}
				kept = append(kept, child)
				g.parents[child] = append(g.parents[child], rule.ToolName)
			}
			g.children[rule.ToolName] = append(g.children[rule.ToolName], kept...)
		case types.RuleConditional:
			g.conditional[rule.ToolName] = rule
		case types.RuleMaxCountPerStep:
			if _, dup := g.maxCounts[rule.ToolName]; dup {
				if mode == ModeStrict {
					return nil, types.NewError(types.ErrRuleConfig,
						fmt.Sprintf("duplicate max-count rule for %q", rule.ToolName))
				}
				continue
			}
			g.maxCounts[rule.ToolName] = rule.MaxCountLimit
		case types.RuleTerminal:
			g.terminal[rule.ToolName] = true
		case types.RuleContinue:
			g.continuing[rule.ToolName] = true
		case types.RuleRequiredBeforeExit:
			g.required[rule.ToolName] = true
		case types.RuleRequiresApproval:
			g.approval[rule.ToolName] = true
		default:
			if mode == ModeStrict {
				return nil, types.NewError(types.ErrRuleConfig,
					fmt.Sprintf("unknown rule kind %q for tool %q", rule.Kind, rule.ToolName))
			}
		}
	}

	if mode == ModeStrict {
		if cycle := g.findChildCycle(); cycle != "" {
			return nil, types.NewError(types.ErrRuleConfig,
				fmt.Sprintf("cycle in child tool rules involving %q", cycle))
		}
	}

	return g, nil
}

// findChildCycle runs a DFS over child edges and returns a tool name on a
// cycle, or empty when the edge set is acyclic.
func (g *Graph) findChildCycle() string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.children))

	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case inStack:
			return name
		case done:
			return ""
		}
		state[name] = inStack
		for _, child := range g.children[name] {
			if found := visit(child); found != "" {
				return found
			}
		}
		state[name] = done
		return ""
	}

	for name := range g.children {
		if found := visit(name); found != "" {
			return found
		}
	}
	return ""
}

// Children returns the declared child set of a tool.
func (g *Graph) Children(toolName string) []string {
	return g.children[toolName]
}

// Parents returns the derived parent set of a tool (tools whose child rules
// include it).
func (g *Graph) Parents(toolName string) []string {
	return g.parents[toolName]
}

// HasChildren reports whether a non-empty child rule exists for toolName.
func (g *Graph) HasChildren(toolName string) bool {
	return len(g.children[toolName]) > 0
}

// IsTerminal reports whether a terminal rule exists for toolName.
func (g *Graph) IsTerminal(toolName string) bool {
	return g.terminal[toolName]
}

// IsContinue reports whether a continue rule exists for toolName.
func (g *Graph) IsContinue(toolName string) bool {
	return g.continuing[toolName]
}

// RequiresApproval reports whether toolName is approval-gated.
func (g *Graph) RequiresApproval(toolName string) bool {
	return g.approval[toolName]
}

// MaxCount returns the per-run call cap for toolName, if any.
func (g *Graph) MaxCount(toolName string) (int, bool) {
	limit, ok := g.maxCounts[toolName]
	return limit, ok
}

// ConditionalRule returns the conditional rule for toolName, if any.
func (g *Graph) ConditionalRule(toolName string) (types.ToolRule, bool) {
	rule, ok := g.conditional[toolName]
	return rule, ok
}

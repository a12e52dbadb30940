package toolrule

import (
	"fmt"
	"sort"
	"strings"
)

// CompileToolRulePrompts renders a natural-language summary of the active
// constraints for inclusion in the system prompt. Output is deterministic:
// lines are grouped by constraint kind and sorted by tool name.
func (s *Solver) CompileToolRulePrompts() string {
	g := s.graph
	var lines []string

	for _, name := range sortedKeys(g.children) {
		children := g.children[name]
		if len(children) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- After calling %s, you may only call: %s", name, strings.Join(children, ", ")))
	}
	for _, name := range sortedKeys(g.conditional) {
		rule := g.conditional[name]
		var branches []string
		for _, key := range sortedKeys(rule.ChildOutputMapping) {
			branches = append(branches, fmt.Sprintf("%s -> %s", key, rule.ChildOutputMapping[key]))
		}
		line := fmt.Sprintf("- After calling %s, the next tool depends on its status (%s)", name, strings.Join(branches, "; "))
		if rule.DefaultChild != "" {
			line += fmt.Sprintf(", otherwise %s", rule.DefaultChild)
		}
		lines = append(lines, line)
	}
	for _, name := range sortedKeys(g.maxCounts) {
		lines = append(lines, fmt.Sprintf("- You may call %s %s per conversation turn", name, describeCount(g.maxCounts[name])))
	}
	for _, name := range sortedKeys(g.terminal) {
		lines = append(lines, fmt.Sprintf("- Calling %s ends your turn", name))
	}
	for _, name := range sortedKeys(g.continuing) {
		lines = append(lines, fmt.Sprintf("- Calling %s always continues your turn", name))
	}
	for _, name := range sortedKeys(g.required) {
		lines = append(lines, fmt.Sprintf("- You must call %s before ending your turn", name))
	}
	for _, name := range sortedKeys(g.approval) {
		lines = append(lines, fmt.Sprintf("- Calling %s requires human approval before it executes", name))
	}

	if len(lines) == 0 {
		return ""
	}
	return "Tool usage rules:\n" + strings.Join(lines, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

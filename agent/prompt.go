package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentloop/types"
)

// System message layout markers. The span between memoryBlocksStart and
// memoryMetadataStart is the dynamic section: it is the only part compared
// when deciding whether the persisted system message is stale, so
// timestamp-only churn in the metadata tail never triggers a rewrite.
const (
	memoryBlocksStart   = "<memory_blocks>"
	memoryBlocksEnd     = "</memory_blocks>"
	memoryMetadataStart = "<memory_metadata>"
	memoryMetadataEnd   = "</memory_metadata>"
)

// CompileSystemMessage renders the full system message: static base
// instructions, the agent's memory blocks, the active tool rules and a
// metadata tail.
func CompileSystemMessage(base string, state *types.AgentState, rulePrompt, metadata string) string {
	var sb strings.Builder
	if base != "" {
		sb.WriteString(strings.TrimRight(base, "\n"))
		sb.WriteString("\n")
	}

	sb.WriteString(memoryBlocksStart)
	sb.WriteString("\n")
	for _, block := range state.Memory {
		value := block.Value
		if block.Limit > 0 && len(value) > block.Limit {
			value = value[:block.Limit]
		}
		fmt.Fprintf(&sb, "<%s>\n%s\n</%s>\n", block.Label, value, block.Label)
	}
	sb.WriteString(memoryBlocksEnd)
	sb.WriteString("\n")

	if rulePrompt != "" {
		sb.WriteString(rulePrompt)
		sb.WriteString("\n")
	}

	sb.WriteString(memoryMetadataStart)
	sb.WriteString("\n")
	if metadata != "" {
		sb.WriteString(metadata)
		sb.WriteString("\n")
	}
	sb.WriteString(memoryMetadataEnd)
	return sb.String()
}

// DynamicSection extracts the substring between the memory-blocks marker and
// the metadata marker. Returns the whole text when the markers are absent,
// which makes any legacy system message compare as stale exactly once.
func DynamicSection(text string) string {
	start := strings.Index(text, memoryBlocksStart)
	if start < 0 {
		return text
	}
	end := strings.Index(text, memoryMetadataStart)
	if end < 0 || end < start {
		return text[start:]
	}
	return text[start:end]
}

// BaseInstructions returns the static prefix before the dynamic section.
func BaseInstructions(text string) string {
	if idx := strings.Index(text, memoryBlocksStart); idx >= 0 {
		return text[:idx]
	}
	return text
}

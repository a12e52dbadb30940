package tools

import "fmt"

// DefaultReturnCharLimit caps tool return values when the tool declares no
// limit of its own.
const DefaultReturnCharLimit = 50_000

// truncationExempt lists search-style tools whose full result set the model
// needs to see; their returns are never truncated.
var truncationExempt = map[string]bool{
	"conversation_search":    true,
	"archival_memory_search": true,
	"grep_files":             true,
	"semantic_search_files":  true,
}

// TruncateReturn enforces the per-tool return character limit, appending a
// note describing how much was cut.
func TruncateReturn(toolName, value string, limit int) string {
	if truncationExempt[toolName] {
		return value
	}
	if limit <= 0 {
		limit = DefaultReturnCharLimit
	}
	if len(value) <= limit {
		return value
	}
	return fmt.Sprintf("%s... [NOTE: tool return truncated, exceeded %d character limit by %d characters]",
		value[:limit], limit, len(value)-limit)
}

package agent

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/agentloop/types"
)

// Control-signaling argument keys. The model uses these to talk to the loop;
// they are stripped before the tool function sees its arguments.
const (
	heartbeatArgKey     = "request_heartbeat"
	innerThoughtsArgKey = "inner_thoughts"
	thinkingArgKey      = "thinking"
)

// ParseToolArguments decodes a tool call's JSON argument string, applying a
// best-effort repair pass for the formatting mistakes models commonly make
// before giving up.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err == nil {
		return args, nil
	}

	repaired := repairJSON(text)
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, types.NewError(types.ErrInvalidResponse, "unparseable tool call arguments").WithCause(err)
	}
	return args, nil
}

// repairJSON fixes the common failure shapes: markdown fencing, a doubly
// encoded JSON string, trailing commas, and a truncated object missing its
// closing braces.
func repairJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	// Doubly encoded: the payload is a JSON string containing an object.
	if strings.HasPrefix(text, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err == nil {
			inner = strings.TrimSpace(inner)
			if strings.HasPrefix(inner, "{") {
				text = inner
			}
		}
	}

	text = removeTrailingCommas(text)

	// Truncated output: balance the braces and brackets that were opened
	// outside of string literals.
	text += closersFor(text)
	return text
}

func removeTrailingCommas(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			sb.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			sb.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\n' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue // drop the comma
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func closersFor(text string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var closers []byte
	if inString {
		closers = append(closers, '"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			closers = append(closers, '}')
		} else {
			closers = append(closers, ']')
		}
	}
	return string(closers)
}

// PopControlArgs removes the loop's control-signaling keys from parsed
// arguments, returning the model's heartbeat request and inner thoughts.
func PopControlArgs(args map[string]any) (requestHeartbeat bool, innerThoughts string) {
	if v, ok := args[heartbeatArgKey]; ok {
		delete(args, heartbeatArgKey)
		switch h := v.(type) {
		case bool:
			requestHeartbeat = h
		case string:
			requestHeartbeat = strings.EqualFold(h, "true")
		}
	}
	for _, key := range []string{innerThoughtsArgKey, thinkingArgKey} {
		if v, ok := args[key]; ok {
			delete(args, key)
			if s, ok := v.(string); ok && innerThoughts == "" {
				innerThoughts = s
			}
		}
	}
	return requestHeartbeat, innerThoughts
}

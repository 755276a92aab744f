package llm

import (
	"encoding/json"
	"strings"
)

type textCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content instead of the native tool_calls field. Handled shapes:
//
//   - a JSON object: {"name": "...", "arguments": {...}}
//   - a JSON array of such objects
//   - concatenated objects: {...}{...}, optionally followed by prose
//   - any of the above inside <tool_call>...</tool_call> tags
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []textCall
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &calls); err != nil {
			return nil
		}
	} else if strings.HasPrefix(content, "{") {
		dec := json.NewDecoder(strings.NewReader(content))
		for dec.More() {
			var c textCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			calls = append(calls, c)
		}
	}

	allowed := make(map[string]bool, len(validTools))
	for _, name := range validTools {
		allowed[name] = true
	}

	var result []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		if len(allowed) > 0 && !allowed[c.Name] {
			continue
		}
		result = append(result, NewToolCall("", c.Name, c.Arguments))
	}
	return result
}

// extractToolNames returns the function names from an OpenAI-shaped
// tool list.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := []string{}
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

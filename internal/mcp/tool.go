package mcp

import "strings"

// ToolDefinition is a tool as returned by tools/list. It is read-only
// after discovery.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	// Provider is the name of the provider that serves the tool.
	Provider string `json:"-"`
}

// IsMutating reports whether a tool name belongs to the set_* family.
// Only mutating tools are deferred during reasoning and bounds-checked.
func IsMutating(name string) bool {
	return strings.HasPrefix(name, "set_")
}

// Mutating reports whether the tool changes device state.
func (d ToolDefinition) Mutating() bool {
	return IsMutating(d.Name)
}

// Properties returns the declared parameter schemas keyed by name.
func (d ToolDefinition) Properties() map[string]map[string]any {
	out := make(map[string]map[string]any)
	props, _ := d.InputSchema["properties"].(map[string]any)
	for name, raw := range props {
		if p, ok := raw.(map[string]any); ok {
			out[name] = p
		} else {
			out[name] = map[string]any{}
		}
	}
	return out
}

// Required returns the names of required parameters.
func (d ToolDefinition) Required() []string {
	var out []string
	switch req := d.InputSchema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// ForModel renders the definition in the function-calling shape model
// backends accept.
func (d ToolDefinition) ForModel() map[string]any {
	params := d.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  params,
		},
	}
}

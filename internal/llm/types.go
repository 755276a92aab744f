// Package llm is the model gateway: one chat-with-tools round against a
// local or hosted model backend, normalized into tool-call intents or a
// final text answer.
package llm

import "time"

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model. Arguments are exactly
// what the model produced; they are not validated here.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID (required by Anthropic for tool_result correlation)
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its raw arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewToolCall builds a ToolCall.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	return ToolCall{ID: id, Function: FunctionCall{Name: name, Arguments: args}}
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// Final reports whether the response is a final answer rather than a
// request for more tool calls.
func (r *ChatResponse) Final() bool {
	return len(r.Message.ToolCalls) == 0
}

package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends one chat completion request with the given tool
	// catalog (OpenAI function shape) and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

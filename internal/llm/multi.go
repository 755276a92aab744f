package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// providerAliases maps user-facing provider names to canonical ones.
var providerAliases = map[string]string{
	"claude":  "anthropic",
	"chatgpt": "openai",
	"gpt":     "openai",
}

var defaultModels = map[string]string{
	"ollama":    "llama3.1:8b",
	"anthropic": "claude-3-5-sonnet-20241022",
	"openai":    "gpt-4o",
}

// NormalizeProvider lower-cases a provider name and resolves aliases.
func NormalizeProvider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := providerAliases[name]; ok {
		return canonical
	}
	return name
}

// DefaultModel returns the model used for a provider when none is
// configured, or "" for an unknown provider.
func DefaultModel(provider string) string {
	return defaultModels[NormalizeProvider(provider)]
}

// MultiClient holds one client per configured provider and hands out
// the one chosen for each cycle.
type MultiClient struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	fallback string            // provider when none is selected
}

// NewMultiClient creates an empty provider set. fallback names the
// provider used when a cycle selects none.
func NewMultiClient(fallback string) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		fallback: NormalizeProvider(fallback),
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[NormalizeProvider(name)] = client
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for name := range m.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the client and model for a provider selection. An
// empty provider uses the fallback; an empty model uses the provider's
// default model.
func (m *MultiClient) Resolve(provider, model string) (Client, string, error) {
	provider = NormalizeProvider(provider)
	if provider == "" {
		provider = m.fallback
	}
	m.mu.RLock()
	client, ok := m.clients[provider]
	m.mu.RUnlock()
	if !ok {
		return nil, "", &GatewayError{Provider: provider, Model: model, Err: fmt.Errorf("provider not configured")}
	}
	if model == "" {
		model = DefaultModel(provider)
	}
	return client, model, nil
}

// Circuits returns the circuit state of every provider wrapped in a
// Breaker, keyed by provider name.
func (m *MultiClient) Circuits() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.clients))
	for name, c := range m.clients {
		if b, ok := c.(*Breaker); ok {
			out[name] = b.State()
		}
	}
	return out
}

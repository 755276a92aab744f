package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProvider(t *testing.T) {
	for in, want := range map[string]string{
		"Claude":    "anthropic",
		"chatgpt":   "openai",
		" GPT ":     "openai",
		"ollama":    "ollama",
		"anthropic": "anthropic",
		"":          "",
	} {
		assert.Equal(t, want, NormalizeProvider(in), "NormalizeProvider(%q)", in)
	}
}

func TestDefaultModel(t *testing.T) {
	assert.Equal(t, "llama3.1:8b", DefaultModel("ollama"))
	assert.Equal(t, "claude-3-5-sonnet-20241022", DefaultModel("claude"))
	assert.Equal(t, "gpt-4o", DefaultModel("openai"))
	assert.Empty(t, DefaultModel("google"))
}

func TestMultiClient_Resolve(t *testing.T) {
	ollama := &scriptedClient{results: []error{nil}}
	anthropic := &scriptedClient{results: []error{nil}}

	m := NewMultiClient("ollama")
	m.AddProvider("ollama", ollama)
	m.AddProvider("anthropic", anthropic)

	client, model, err := m.Resolve("", "")
	require.NoError(t, err)
	assert.Same(t, ollama, client)
	assert.Equal(t, "llama3.1:8b", model)

	client, model, err = m.Resolve("claude", "claude-3-5-haiku-20241022")
	require.NoError(t, err)
	assert.Same(t, anthropic, client)
	assert.Equal(t, "claude-3-5-haiku-20241022", model)

	_, _, err = m.Resolve("openai", "")
	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "openai", ge.Provider)

	assert.Equal(t, []string{"anthropic", "ollama"}, m.Providers())
}

func TestMultiClient_Circuits(t *testing.T) {
	failing := &scriptedClient{results: []error{errors.New("503"), errors.New("503")}}

	m := NewMultiClient("ollama")
	m.AddProvider("ollama", NewBreaker("ollama", failing, BreakerConfig{Failures: 2, Timeout: time.Hour}, quietLogger()))
	m.AddProvider("openai", &scriptedClient{results: []error{nil}})

	assert.Equal(t, map[string]string{"ollama": "closed"}, m.Circuits())

	client, model, err := m.Resolve("", "")
	require.NoError(t, err)
	for range 2 {
		_, err = client.Chat(context.Background(), model, nil, nil)
		require.Error(t, err)
	}
	assert.Equal(t, map[string]string{"ollama": "open"}, m.Circuits())
}

package llm

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClient captures the last request it served.
type recordingClient struct {
	name string
	mu   sync.Mutex
	last *Request
	resp *Response
	err  error
}

func (c *recordingClient) Complete(_ context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = req
	return c.resp, c.err
}

func (c *recordingClient) Name() string { return c.name }

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry("openai/gpt-4o-mini")
	r.AddClient(ProviderOpenAI, &recordingClient{name: "openai"})
	r.AddClient(ProviderAnthropic, &recordingClient{name: "anthropic"})

	t.Run("FullReference", func(t *testing.T) {
		spec, err := r.Resolve("anthropic/claude-sonnet-4-5")
		require.NoError(t, err)
		assert.Equal(t, ProviderAnthropic, spec.Provider)
		assert.Equal(t, "claude-sonnet-4-5", spec.Model)
	})

	t.Run("GoogleAlias", func(t *testing.T) {
		r2 := NewRegistry("")
		r2.AddClient(ProviderGemini, &recordingClient{name: "gemini"})
		spec, err := r2.Resolve("google/gemini-2.0-flash")
		require.NoError(t, err)
		assert.Equal(t, ProviderGemini, spec.Provider)
		assert.Equal(t, "gemini-2.0-flash", spec.Model)
	})

	t.Run("EmptyUsesDefault", func(t *testing.T) {
		spec, err := r.Resolve("")
		require.NoError(t, err)
		assert.Equal(t, ProviderOpenAI, spec.Provider)
		assert.Equal(t, "gpt-4o-mini", spec.Model)
	})

	t.Run("BareCatalogModel", func(t *testing.T) {
		spec, err := r.Resolve("gpt-4o")
		require.NoError(t, err)
		assert.Equal(t, ProviderOpenAI, spec.Provider)
		assert.Equal(t, "gpt-4o", spec.Model)
	})

	t.Run("ArbitraryModelOfConfiguredProvider", func(t *testing.T) {
		spec, err := r.Resolve("openai/o3-mini")
		require.NoError(t, err)
		assert.Equal(t, "o3-mini", spec.Model)
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		_, err := r.Resolve("oracle/sibyl-1")
		assert.ErrorIs(t, err, ErrUnknownModel)
	})

	t.Run("UnconfiguredProvider", func(t *testing.T) {
		_, err := r.Resolve("deepseek/deepseek-chat")
		assert.ErrorIs(t, err, ErrUnknownModel)
	})

	t.Run("MissingModelID", func(t *testing.T) {
		_, err := r.Resolve("openai/")
		assert.ErrorIs(t, err, ErrUnknownModel)
	})

	t.Run("NoDefault", func(t *testing.T) {
		r2 := NewRegistry("")
		_, err := r2.Resolve("")
		assert.ErrorIs(t, err, ErrUnknownModel)
	})
}

func TestRegistryModels(t *testing.T) {
	t.Parallel()

	r := NewRegistry("openai/gpt-4o")
	assert.Empty(t, r.Models())

	r.AddClient(ProviderOpenAI, &recordingClient{name: "openai"})
	r.AddClient(ProviderDeepSeek, &recordingClient{name: "deepseek"})

	models := r.Models()
	require.Len(t, models, 3)
	refs := make([]string, len(models))
	for i, m := range models {
		refs[i] = m.Ref
	}
	assert.Equal(t, []string{"deepseek/deepseek-chat", "openai/gpt-4o", "openai/gpt-4o-mini"}, refs)
}

func TestRegistryComplete(t *testing.T) {
	t.Parallel()

	client := &recordingClient{name: "openai", resp: &Response{Content: "hi"}}
	r := NewRegistry("openai/gpt-4o")
	r.AddClient(ProviderOpenAI, client)

	req := &Request{Model: "openai/gpt-4o-mini", Messages: []Message{{Role: RoleUser, Content: "hello"}}}
	resp, err := r.Complete(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	// The routed request carries the provider-native id; the original is
	// untouched.
	assert.Equal(t, "gpt-4o-mini", client.last.Model)
	assert.Equal(t, "openai/gpt-4o-mini", req.Model)

	_, err = r.Complete(t.Context(), &Request{Model: "anthropic/claude-sonnet-4-5"})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestGenerateTitle(t *testing.T) {
	t.Parallel()

	t.Run("UsesModelAnswer", func(t *testing.T) {
		client := &recordingClient{name: "openai", resp: &Response{Content: "\"Market Research Summary\"\n"}}
		r := NewRegistry("openai/gpt-4o")
		r.AddClient(ProviderOpenAI, client)

		title := r.GenerateTitle(t.Context(), "research the market for me")
		assert.Equal(t, "Market Research Summary", title)
		require.NotNil(t, client.last.Temperature)
		assert.InDelta(t, 0.3, *client.last.Temperature, 0.001)
		require.NotNil(t, client.last.MaxTokens)
		assert.Equal(t, 30, *client.last.MaxTokens)
	})

	t.Run("FallsBackToTruncatedPrompt", func(t *testing.T) {
		client := &recordingClient{name: "openai", err: NewAPIError("openai", 500, "boom")}
		r := NewRegistry("openai/gpt-4o")
		r.AddClient(ProviderOpenAI, client)

		prompt := strings.Repeat("research all the things ", 10)
		title := r.GenerateTitle(t.Context(), prompt)
		assert.NotEmpty(t, title)
		assert.LessOrEqual(t, len([]rune(title)), 80)
		assert.True(t, strings.HasPrefix(prompt, title))
	})

	t.Run("NoProviderConfigured", func(t *testing.T) {
		r := NewRegistry("openai/gpt-4o")
		title := r.GenerateTitle(t.Context(), "short prompt")
		assert.Equal(t, "short prompt", title)
	})
}

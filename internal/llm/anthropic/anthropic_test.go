package anthropic

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/llm"
)

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]byte) {
	t.Helper()
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		captured = body
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

const messageResponse = `{
	"id": "msg-1",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-5",
	"content": [{"type": "text", "text": "hello there"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 7, "output_tokens": 3}
}`

func newTestClient(t *testing.T, baseURL string) llm.Client {
	t.Helper()
	c, err := New(llm.NewConfig(llm.WithAPIKey("test-key"), llm.WithBaseURL(baseURL)))
	require.NoError(t, err)
	return c
}

func TestCompleteBuildsRequest(t *testing.T) {
	t.Parallel()

	srv, captured := newTestServer(t, http.StatusOK, messageResponse)
	c := newTestClient(t, srv.URL)

	temperature := 0.2
	resp, err := c.Complete(t.Context(), &llm.Request{
		Model:  "claude-sonnet-4-5",
		System: "you are terse",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "yes?"},
			{Role: llm.RoleUser, Content: "hello"},
		},
		Temperature: &temperature,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, llm.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, resp.Usage)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(*captured, &sent))
	assert.Equal(t, "claude-sonnet-4-5", sent["model"])
	assert.Equal(t, float64(defaultMaxTokens), sent["max_tokens"])
	assert.InDelta(t, 0.2, sent["temperature"], 0.001)

	system := sent["system"].([]any)
	require.Len(t, system, 1)
	block := system[0].(map[string]any)
	assert.Equal(t, "you are terse", block["text"])

	messages := sent["messages"].([]any)
	require.Len(t, messages, 3)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", messages[1].(map[string]any)["role"])
}

func TestCompleteSchemaViaSystemPrompt(t *testing.T) {
	t.Parallel()

	srv, captured := newTestServer(t, http.StatusOK, messageResponse)
	c := newTestClient(t, srv.URL)

	schema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"tasks"},
		Properties: map[string]*jsonschema.Schema{
			"tasks": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
	maxTokens := 512
	_, err := c.Complete(t.Context(), &llm.Request{
		Model:      "claude-sonnet-4-5",
		System:     "you plan tasks",
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "plan"}},
		MaxTokens:  &maxTokens,
		JSONSchema: schema,
	})
	require.NoError(t, err)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(*captured, &sent))
	assert.Equal(t, float64(512), sent["max_tokens"])

	system := sent["system"].([]any)
	require.Len(t, system, 1)
	text := system[0].(map[string]any)["text"].(string)
	assert.True(t, strings.HasPrefix(text, "you plan tasks"))
	assert.Contains(t, text, "JSON schema")
	assert.Contains(t, text, `"tasks"`)
}

func TestCompleteMapsAPIErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, http.StatusInternalServerError,
		`{"type": "error", "error": {"type": "api_error", "message": "overloaded"}}`)
	c := newTestClient(t, srv.URL)

	_, err := c.Complete(t.Context(), &llm.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.True(t, apiErr.Transient())
}

func TestCompleteRequiresMessages(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, http.StatusOK, messageResponse)
	c := newTestClient(t, srv.URL)

	_, err := c.Complete(t.Context(), &llm.Request{Model: "claude-sonnet-4-5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user message")
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(llm.Config{})
	assert.ErrorIs(t, err, llm.ErrNoAPIKey)
}

package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

// scriptedClient replays canned replies in order and records every request it
// receives.
type scriptedClient struct {
	mu       sync.Mutex
	requests []*llm.Request
	replies  []reply
}

type reply struct {
	content string
	err     error
}

func (c *scriptedClient) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	c.requests = append(c.requests, &cp)
	if len(c.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content, FinishReason: "stop"}, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedClient) request(i int) *llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func newModels(t *testing.T, replies ...reply) (*llm.Registry, *scriptedClient) {
	t.Helper()
	client := &scriptedClient{replies: replies}
	models := llm.NewRegistry("openai/gpt-4o")
	models.AddClient(llm.ProviderOpenAI, client)
	return models, client
}

// stubAgent is a scriptable Agent for registry tests.
type stubAgent struct {
	typ  string
	desc string
	run  func(ctx context.Context, req *Request) (*Result, error)
}

func (s *stubAgent) Type() string        { return s.typ }
func (s *stubAgent) Description() string { return s.desc }

func (s *stubAgent) Run(ctx context.Context, req *Request) (*Result, error) {
	if s.run == nil {
		return &Result{Summary: s.typ}, nil
	}
	return s.run(ctx, req)
}

// recordingSink captures log lines for assertions.
type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

type sinkEntry struct {
	level   core.LogLevel
	message string
	fields  map[string]any
}

func (s *recordingSink) Log(_ context.Context, level core.LogLevel, message string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{level: level, message: message, fields: fields})
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]string, len(s.entries))
	for i, e := range s.entries {
		msgs[i] = e.message
	}
	return msgs
}

func newTestRequest(t *testing.T, prompt string) *Request {
	t.Helper()
	blobs, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return &Request{
		Action:    &core.Action{ID: "act-1", RootPrompt: prompt},
		Task:      &core.Task{ID: "task-1", Prompt: prompt, AgentType: core.GeneralAgentType},
		Sink:      NopSink{},
		Artifacts: blobs,
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{
			name:     "plain line",
			text:     "The capital of France is Paris.",
			expected: "The capital of France is Paris.",
		},
		{
			name:     "skips blank lines",
			text:     "\n\n  \nFirst real line\nSecond line",
			expected: "First real line",
		},
		{
			name:     "strips heading markers",
			text:     "# Quarterly Report\n\nDetails follow.",
			expected: "Quarterly Report",
		},
		{
			name:     "strips list markers",
			text:     "- first finding\n- second finding",
			expected: "first finding",
		},
		{
			name:     "empty input",
			text:     "   \n\t\n",
			expected: "",
		},
		{
			name:     "long line truncated",
			text:     strings.Repeat("a", 300),
			expected: strings.Repeat("a", 197) + "...",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, Summarize(tc.text))
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "exact", truncateRunes("exact", 5))

	out := truncateRunes(strings.Repeat("é", 20), 10)
	assert.Equal(t, 10, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestStripFence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no fence", input: "plain text", expected: "plain text"},
		{name: "fence with language", input: "```markdown\n# Title\n```", expected: "# Title"},
		{name: "fence without language", input: "```\n{\"a\":1}\n```", expected: "{\"a\":1}"},
		{name: "surrounding whitespace", input: "  ```json\n[1,2]\n```  ", expected: "[1,2]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, stripFence(tc.input))
		})
	}
}

func TestInputsText(t *testing.T) {
	t.Parallel()

	assert.Empty(t, InputsText(nil))

	inputs := []Input{
		{
			TaskID:  "t1",
			Summary: "Collected pricing data",
			Text:    "Prices range from 10 to 40 USD.",
			Artifacts: []*core.Artifact{
				{Name: "prices.csv"},
				{Name: "notes.md"},
			},
		},
		{TaskID: "t2", Summary: "Checked competitors"},
	}

	out := InputsText(inputs)
	assert.Contains(t, out, "Context from completed dependency tasks:")
	assert.Contains(t, out, "--- Collected pricing data ---")
	assert.Contains(t, out, "Prices range from 10 to 40 USD.")
	assert.Contains(t, out, "Artifacts: prices.csv, notes.md")
	assert.Contains(t, out, "--- Checked competitors ---")
}

func TestPromptFor(t *testing.T) {
	t.Parallel()

	req := newTestRequest(t, "Write the summary")
	assert.Equal(t, "Write the summary", promptFor(req))

	req.Inputs = []Input{{Summary: "Earlier result", Text: "Some findings"}}
	out := promptFor(req)
	assert.True(t, strings.HasPrefix(out, "Write the summary\n\n"))
	assert.Contains(t, out, "Some findings")
}

func TestSystemFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "base prompt", systemFor("base prompt", ""))
	assert.Equal(t, "extra\n\nbase prompt", systemFor("base prompt", "extra"))
}

func TestStoreArtifact(t *testing.T) {
	t.Parallel()

	req := newTestRequest(t, "anything")
	data := []byte("# Report\n\nbody")

	art, err := StoreArtifact(context.Background(), req, "report.md", core.ArtifactMarkdown, "text/markdown", data)
	require.NoError(t, err)
	assert.NotEmpty(t, art.ID)
	assert.Equal(t, "task-1", art.TaskID)
	assert.Equal(t, "report.md", art.Name)
	assert.Equal(t, core.ArtifactMarkdown, art.Type)
	assert.Equal(t, "text/markdown", art.MimeType)
	assert.Equal(t, int64(len(data)), art.SizeBytes)
	assert.NotEmpty(t, art.StoragePath)

	rc, err := req.Artifacts.Open(context.Background(), art.StoragePath)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestWrapLLMError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, wrapLLMError(nil))
	assert.ErrorIs(t, wrapLLMError(context.Canceled), context.Canceled)
	assert.Equal(t, core.KindTransient, core.KindOf(wrapLLMError(llm.NewAPIError("openai", 503, "overloaded"))))
	assert.Equal(t, core.KindPermanent, core.KindOf(wrapLLMError(llm.NewAPIError("openai", 400, "bad request"))))
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	_, ok := r.Resolve("report")
	assert.False(t, ok, "empty registry resolves nothing")

	general := &stubAgent{typ: core.GeneralAgentType, desc: "general"}
	report := &stubAgent{typ: "report", desc: "report"}
	r.Register(general)
	r.Register(report)

	got, ok := r.Resolve("report")
	require.True(t, ok)
	assert.Equal(t, "report", got.Type())

	got, ok = r.Resolve("does-not-exist")
	require.True(t, ok)
	assert.Equal(t, core.GeneralAgentType, got.Type(), "unknown types fall back to general")
}

func TestRegistryApplyDefinitions(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubAgent{typ: core.GeneralAgentType, desc: "general"})

	err := r.ApplyDefinitions(context.Background(), []Definition{
		{Type: "summarizer", Base: core.GeneralAgentType, Description: "Writes summaries"},
		{Type: "broken", Base: "no-such-base"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-base")

	got, ok := r.Resolve("summarizer")
	require.True(t, ok, "valid definitions apply even when others fail")
	assert.Equal(t, "summarizer", got.Type())

	got, ok = r.Resolve("broken")
	require.True(t, ok)
	assert.Equal(t, core.GeneralAgentType, got.Type(), "failed definitions fall back to general")

	// A reload with no definitions clears the custom set.
	require.NoError(t, r.ApplyDefinitions(context.Background(), nil))
	assert.Equal(t, []string{core.GeneralAgentType}, r.Types())
}

func TestRegistryInfosShadowing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubAgent{typ: core.GeneralAgentType, desc: "builtin description"})
	require.NoError(t, r.ApplyDefinitions(context.Background(), []Definition{
		{Type: core.GeneralAgentType, Base: core.GeneralAgentType, Description: "custom description"},
	}))

	infos := r.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "custom description", infos[0].Description)

	assert.Equal(t, []string{core.GeneralAgentType}, r.Types())
}

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()

	models, _ := newModels(t)

	r := NewRegistry()
	RegisterBuiltins(r, models, nil)
	assert.Equal(t,
		[]string{TypeCodeExecution, TypeDataRetrieval, core.GeneralAgentType, TypeReport, TypeSpreadsheet},
		r.Types())

	r = NewRegistry()
	RegisterBuiltins(r, models, &stubSpawner{})
	assert.Contains(t, r.Types(), TypeSubAction)
}

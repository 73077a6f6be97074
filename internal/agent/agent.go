// Package agent defines the contract task agents implement and the registry
// the executor resolves them from. Builtins cover chat completion, report
// writing, web retrieval, code generation, spreadsheet generation, and
// sub-action spawning; YAML definitions derive customised variants of the
// builtins and can be hot-reloaded from a directory.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

const maxSummaryRunes = 200

// LogSink receives agent log lines. The executor forwards them to the task
// log store and the event bus.
type LogSink interface {
	Log(ctx context.Context, level core.LogLevel, message string, fields map[string]any)
}

// NopSink discards log lines.
type NopSink struct{}

func (NopSink) Log(context.Context, core.LogLevel, string, map[string]any) {}

// Input is the persisted output of one completed dependency.
type Input struct {
	TaskID    string
	Summary   string
	Text      string
	Artifacts []*core.Artifact
}

// Request carries one task invocation. Artifacts is the blob store for
// anything the agent produces; records for stored blobs travel back in the
// Result and are persisted together with the output. Instructions hold extra
// system-level guidance from a custom definition; LLM-backed agents prepend
// them to their system prompt.
type Request struct {
	Action       *core.Action
	Task         *core.Task
	Inputs       []Input
	Instructions string
	Sink         LogSink
	Artifacts    artifact.Store
}

// Result is a successful agent outcome.
type Result struct {
	Summary   string
	Text      string
	Artifacts []*core.Artifact
}

// Agent executes one task. Run must honour ctx cancellation and tag terminal
// failures with core.TaskError kinds so the executor can decide whether to
// retry.
type Agent interface {
	Type() string
	Description() string
	Run(ctx context.Context, req *Request) (*Result, error)
}

// StoreArtifact uploads data to the blob store and returns the record to
// attach to the task output.
func StoreArtifact(ctx context.Context, req *Request, name string, typ core.ArtifactType, mimeType string, data []byte) (*core.Artifact, error) {
	id := uuid.NewString()
	storagePath := artifact.PathFor(req.Task.ID, id, name)
	if err := req.Artifacts.Put(ctx, storagePath, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		return nil, core.Transient(fmt.Errorf("failed to store artifact %s: %w", name, err))
	}
	return &core.Artifact{
		ID:          id,
		TaskID:      req.Task.ID,
		Name:        name,
		Type:        typ,
		MimeType:    mimeType,
		StoragePath: storagePath,
		SizeBytes:   int64(len(data)),
	}, nil
}

// InputsText renders dependency outputs as a context block for prompts.
func InputsText(inputs []Input) string {
	if len(inputs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context from completed dependency tasks:\n")
	for _, in := range inputs {
		b.WriteString("\n--- ")
		b.WriteString(in.Summary)
		b.WriteString(" ---\n")
		if in.Text != "" {
			b.WriteString(in.Text)
			b.WriteString("\n")
		}
		if len(in.Artifacts) > 0 {
			names := lo.Map(in.Artifacts, func(a *core.Artifact, _ int) string { return a.Name })
			fmt.Fprintf(&b, "Artifacts: %s\n", strings.Join(names, ", "))
		}
	}
	return b.String()
}

// promptFor builds the user message for LLM-backed agents: the task prompt
// plus the rendered dependency context.
func promptFor(req *Request) string {
	block := InputsText(req.Inputs)
	if block == "" {
		return req.Task.Prompt
	}
	return req.Task.Prompt + "\n\n" + block
}

// systemFor prepends custom-definition instructions to an agent's base
// system prompt.
func systemFor(base, instructions string) string {
	if instructions == "" {
		return base
	}
	return instructions + "\n\n" + base
}

// Summarize reduces text to its first meaningful line, capped at 200 runes,
// for the output summary and the task.completed event.
func Summarize(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#*->"))
		if line == "" {
			continue
		}
		return truncateRunes(line, maxSummaryRunes)
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

// wrapLLMError tags provider failures so the executor retries only what can
// succeed on retry. Context errors pass through untouched; the executor maps
// them to cancellation.
func wrapLLMError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if llm.IsTransient(err) {
		return core.Transient(err)
	}
	return core.Permanent(err)
}

// stripFence removes a surrounding markdown code fence from model output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

package agent

import (
	"context"
	"strings"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

// TypeReport is the long-form report agent.
const TypeReport = "report"

const reportMaxTokens = 8192

const reportSystemPrompt = `You are a report-writing agent.
Produce a complete, well-structured markdown report that fulfils the task.
Start with a single # title line. Use the context from earlier tasks as source material and cite it where appropriate.
Reply with the markdown document only.`

// Report writes a markdown report and stores it as an artifact.
type Report struct {
	models *llm.Registry
}

// NewReport returns the report-writing agent.
func NewReport(models *llm.Registry) *Report {
	return &Report{models: models}
}

func (a *Report) Type() string { return TypeReport }

func (a *Report) Description() string {
	return "Writes a markdown report and stores it as an artifact"
}

func (a *Report) Run(ctx context.Context, req *Request) (*Result, error) {
	maxTokens := reportMaxTokens
	resp, err := a.models.Complete(ctx, &llm.Request{
		Model:     req.Task.Model,
		System:    systemFor(reportSystemPrompt, req.Instructions),
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: promptFor(req)}},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, wrapLLMError(err)
	}

	content := stripFence(resp.Content)
	if strings.TrimSpace(content) == "" {
		return nil, core.Permanentf("report agent returned an empty document")
	}

	art, err := StoreArtifact(ctx, req, "report.md", core.ArtifactMarkdown, "text/markdown", []byte(content))
	if err != nil {
		return nil, err
	}
	req.Sink.Log(ctx, core.LogInfo, "Stored report artifact", map[string]any{"name": art.Name, "bytes": art.SizeBytes})

	return &Result{
		Summary:   Summarize(content),
		Text:      content,
		Artifacts: []*core.Artifact{art},
	}, nil
}

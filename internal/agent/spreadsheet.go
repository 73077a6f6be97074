package agent

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

// TypeSpreadsheet is the tabular-data agent.
const TypeSpreadsheet = "spreadsheet"

const spreadsheetSystemPrompt = `You are a data-tabulation agent.
Produce the requested data as CSV with a header row.
Reply with the CSV content only, no prose.`

// Spreadsheet produces tabular data as a CSV artifact.
type Spreadsheet struct {
	models *llm.Registry
}

// NewSpreadsheet returns the spreadsheet agent.
func NewSpreadsheet(models *llm.Registry) *Spreadsheet {
	return &Spreadsheet{models: models}
}

func (a *Spreadsheet) Type() string { return TypeSpreadsheet }

func (a *Spreadsheet) Description() string {
	return "Produces tabular data as a CSV artifact"
}

func (a *Spreadsheet) Run(ctx context.Context, req *Request) (*Result, error) {
	resp, err := a.models.Complete(ctx, &llm.Request{
		Model:    req.Task.Model,
		System:   systemFor(spreadsheetSystemPrompt, req.Instructions),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: promptFor(req)}},
	})
	if err != nil {
		return nil, wrapLLMError(err)
	}

	content := strings.TrimSpace(stripFence(resp.Content))
	rows, err := csv.NewReader(strings.NewReader(content)).ReadAll()
	if err != nil {
		return nil, core.Permanentf("spreadsheet agent returned malformed CSV: %v", err)
	}
	if len(rows) < 2 {
		return nil, core.Permanentf("spreadsheet agent returned no data rows")
	}

	art, err := StoreArtifact(ctx, req, "data.csv", core.ArtifactFile, "text/csv", []byte(content))
	if err != nil {
		return nil, err
	}
	req.Sink.Log(ctx, core.LogInfo, "Stored CSV artifact", map[string]any{"rows": len(rows) - 1, "columns": len(rows[0])})

	return &Result{
		Summary:   fmt.Sprintf("Generated data.csv with %d rows and %d columns", len(rows)-1, len(rows[0])),
		Text:      content,
		Artifacts: []*core.Artifact{art},
	}, nil
}

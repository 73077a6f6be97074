package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

// TypeCodeExecution is the code-generation agent. Programs are generated and
// stored as artifacts; an execution sandbox is not part of this system, so
// the result carries the source plus instructions for running it.
const TypeCodeExecution = "code_execution"

const codeSystemPrompt = `You are a code-generation agent.
Write one self-contained program that accomplishes the task.
Pick the most suitable language and include everything needed to run the program.`

type generatedProgram struct {
	Language    string `json:"language"`
	Filename    string `json:"filename"`
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
}

var programSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"language", "filename", "code", "explanation"},
	Properties: map[string]*jsonschema.Schema{
		"language":    {Type: "string", Description: "Programming language of the generated code"},
		"filename":    {Type: "string", Description: "Suggested file name, e.g. fetch_data.py"},
		"code":        {Type: "string", Description: "Complete source code"},
		"explanation": {Type: "string", Description: "What the program does and how to run it"},
	},
}

// CodeExecution generates a program for the task and stores it as an
// artifact.
type CodeExecution struct {
	models *llm.Registry
}

// NewCodeExecution returns the code-generation agent.
func NewCodeExecution(models *llm.Registry) *CodeExecution {
	return &CodeExecution{models: models}
}

func (a *CodeExecution) Type() string { return TypeCodeExecution }

func (a *CodeExecution) Description() string {
	return "Generates a program as an artifact with run instructions"
}

func (a *CodeExecution) Run(ctx context.Context, req *Request) (*Result, error) {
	resp, err := a.models.Complete(ctx, &llm.Request{
		Model:      req.Task.Model,
		System:     systemFor(codeSystemPrompt, req.Instructions),
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: promptFor(req)}},
		JSONSchema: programSchema,
	})
	if err != nil {
		return nil, wrapLLMError(err)
	}

	var prog generatedProgram
	if err := json.Unmarshal([]byte(stripFence(resp.Content)), &prog); err != nil {
		return nil, core.Permanentf("code agent returned malformed output: %v", err)
	}
	if strings.TrimSpace(prog.Code) == "" {
		return nil, core.Permanentf("code agent returned an empty program")
	}

	name := prog.Filename
	if name == "" {
		name = "program.txt"
	}
	art, err := StoreArtifact(ctx, req, name, core.ArtifactFile, "text/plain", []byte(prog.Code))
	if err != nil {
		return nil, err
	}
	req.Sink.Log(ctx, core.LogInfo, "Stored generated program", map[string]any{"name": art.Name, "language": prog.Language})

	summary := Summarize(prog.Explanation)
	if summary == "" {
		summary = "Generated " + name
	}
	text := fmt.Sprintf("%s\n\n```%s\n%s\n```", prog.Explanation, prog.Language, prog.Code)
	return &Result{
		Summary:   summary,
		Text:      text,
		Artifacts: []*core.Artifact{art},
	}, nil
}

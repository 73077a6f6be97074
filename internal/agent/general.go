package agent

import (
	"context"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

const generalSystemPrompt = `You are an agent executing one task inside a larger action.
Complete the task exactly as instructed. Use the context from earlier tasks when it is relevant.
Reply with the task result only, without preamble.`

// General answers the task prompt with a single chat completion over the
// dependency context. It is the fallback for unknown agent types.
type General struct {
	models *llm.Registry
}

// NewGeneral returns the general chat agent.
func NewGeneral(models *llm.Registry) *General {
	return &General{models: models}
}

func (a *General) Type() string { return core.GeneralAgentType }

func (a *General) Description() string {
	return "Completes the task with a single LLM response"
}

func (a *General) Run(ctx context.Context, req *Request) (*Result, error) {
	model := req.Task.Model
	if model == "" {
		model = a.models.DefaultModel()
	}
	req.Sink.Log(ctx, core.LogInfo, "Requesting completion", map[string]any{"model": model})

	resp, err := a.models.Complete(ctx, &llm.Request{
		Model:    req.Task.Model,
		System:   systemFor(generalSystemPrompt, req.Instructions),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: promptFor(req)}},
	})
	if err != nil {
		return nil, wrapLLMError(err)
	}
	return &Result{Summary: Summarize(resp.Content), Text: resp.Content}, nil
}

package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

const (
	// MaxRecoveryAttempts bounds how many times a failed task may be
	// re-planned before an action retry gives up on it.
	MaxRecoveryAttempts = 2

	maxRecoveryTasks = 3
)

const recoveryInstructions = `You are the recovery component of an action orchestration system.
A task in a running action has failed. Propose replacement tasks that achieve the failed task's goal another way.

Rules:
- Propose between one and three tasks.
- Each task is a self-contained instruction for a single agent.
- Dependencies may only reference earlier replacement tasks.
- Explain briefly why the replacements should succeed where the original failed.`

// ErrRecoveryExhausted is returned when a task has used up its recovery
// budget.
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// Recovery is a set of replacement tasks proposed for a failed task, with the
// model's reasoning for the change of approach.
type Recovery struct {
	Tasks     []PlannedTask `json:"tasks"`
	Reasoning string        `json:"reasoning"`
}

// Recover proposes up to three replacement tasks for a failed task. The
// attempt argument counts recoveries already tried for this task; at
// MaxRecoveryAttempts and beyond it returns ErrRecoveryExhausted without
// calling the model.
func (p *Planner) Recover(ctx context.Context, action *core.Action, failedTask *core.Task, errMsg string, attempt int) (*Recovery, error) {
	if attempt >= MaxRecoveryAttempts {
		return nil, fmt.Errorf("task %s: %w", failedTask.ID, ErrRecoveryExhausted)
	}

	types := p.agentTypes()
	temp := planTemperature
	req := &llm.Request{
		Model:       p.model,
		System:      recoverySystemPrompt(types),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: recoveryUserPrompt(action, failedTask, errMsg)}},
		Temperature: &temp,
		JSONSchema:  recoverySchema(types),
	}

	var lastErr error
	for try := 0; try <= p.maxRetries; try++ {
		resp, err := p.registry.Complete(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		rec, err := parseRecovery(resp.Content, types)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: correctionPrompt(err)},
		)
	}
	return nil, fmt.Errorf("recovery plan rejected after %d attempts: %w", p.maxRetries+1, lastErr)
}

func recoverySystemPrompt(agentTypes []string) string {
	return fmt.Sprintf("%s\n\nAvailable agent types: %s.", recoveryInstructions, strings.Join(agentTypes, ", "))
}

func recoveryUserPrompt(action *core.Action, failedTask *core.Task, errMsg string) string {
	return fmt.Sprintf("Goal: %s\n\nFailed task (%s agent): %s\n\nError: %s",
		action.RootPrompt, failedTask.AgentType, failedTask.Prompt, errMsg)
}

func parseRecovery(content string, agentTypes []string) (*Recovery, error) {
	var rec Recovery
	if err := json.Unmarshal([]byte(stripFences(content)), &rec); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := validatePlan(rec.Tasks, agentTypes, maxRecoveryTasks); err != nil {
		return nil, err
	}
	return &rec, nil
}

func recoverySchema(agentTypes []string) *jsonschema.Schema {
	s := planSchema(agentTypes)
	s.Required = []string{"tasks", "reasoning"}
	s.Properties["reasoning"] = &jsonschema.Schema{
		Type:        "string",
		Description: "Why the replacement tasks should succeed where the failed task did not",
	}
	return s
}

package agent

import (
	"context"
	"fmt"

	"github.com/acto-org/acto/internal/core"
)

// TypeSubAction is the agent that delegates a task to a nested action.
const TypeSubAction = "sub_action"

// ActionSpawner creates a child action and runs it to completion. The runtime
// implements it; the agent only knows the contract so the two packages stay
// decoupled.
type ActionSpawner interface {
	SpawnAction(ctx context.Context, spec SpawnSpec) (*SpawnOutcome, error)
}

// SpawnSpec describes the child action to create.
type SpawnSpec struct {
	RootPrompt     string
	ParentActionID string
	ParentTaskID   string
	Depth          int
}

// SpawnOutcome reports how the child action ended.
type SpawnOutcome struct {
	ActionID string
	Status   core.ActionStatus
	Summary  string
}

// SubAction plans and runs an entire child action for the task prompt. It is
// the escape hatch for work too large for a single task.
type SubAction struct {
	spawner ActionSpawner
}

// NewSubAction returns the delegating agent.
func NewSubAction(spawner ActionSpawner) *SubAction {
	return &SubAction{spawner: spawner}
}

func (a *SubAction) Type() string { return TypeSubAction }

func (a *SubAction) Description() string {
	return "Delegates the task to a nested action with its own plan"
}

func (a *SubAction) Run(ctx context.Context, req *Request) (*Result, error) {
	depth := req.Action.Depth + 1
	if depth >= core.MaxActionDepth {
		return nil, core.Permanentf("action nesting limit of %d reached", core.MaxActionDepth)
	}

	req.Sink.Log(ctx, core.LogInfo, "Spawning child action", map[string]any{"depth": depth})
	outcome, err := a.spawner.SpawnAction(ctx, SpawnSpec{
		RootPrompt:     promptFor(req),
		ParentActionID: req.Action.ID,
		ParentTaskID:   req.Task.ID,
		Depth:          depth,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Status != core.ActionCompleted {
		return nil, core.Permanentf("child action %s ended %s", outcome.ActionID, outcome.Status)
	}

	summary := outcome.Summary
	if summary == "" {
		summary = fmt.Sprintf("Child action %s completed", outcome.ActionID)
	}
	return &Result{
		Summary: Summarize(summary),
		Text:    summary,
	}, nil
}

package runtime

import (
	"context"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/store"
)

// Spawner plans, creates, and runs child actions on behalf of sub-action
// agents. It is the glue between the agent registry and the Manager; agents
// only see the agent.ActionSpawner contract.
type Spawner struct {
	store   store.Store
	planner *planner.Planner
	manager *Manager
}

var _ agent.ActionSpawner = (*Spawner)(nil)

// NewSpawner returns a Spawner backed by the given manager.
func NewSpawner(st store.Store, pl *planner.Planner, mgr *Manager) *Spawner {
	return &Spawner{store: st, planner: pl, manager: mgr}
}

// SpawnAction plans a child action, runs it, and waits for the outcome. If
// ctx is canceled while the child runs, the child is aborted and ctx's error
// returned; the child's finished work is kept for a later resume.
func (s *Spawner) SpawnAction(ctx context.Context, spec agent.SpawnSpec) (*agent.SpawnOutcome, error) {
	plan, err := s.planner.Plan(ctx, spec.RootPrompt, nil)
	if err != nil {
		return nil, err
	}

	action, err := s.store.CreateAction(ctx, store.ActionSpec{
		Title:          s.planner.GenerateTitle(ctx, spec.RootPrompt),
		RootPrompt:     spec.RootPrompt,
		ParentActionID: spec.ParentActionID,
		ParentTaskID:   spec.ParentTaskID,
		Depth:          spec.Depth,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.store.CreateTasks(ctx, action.ID, planner.ToTaskSpecs(plan)); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Spawned child action", "actionId", action.ID,
		"parentActionId", spec.ParentActionID, "depth", spec.Depth, "tasks", len(plan))

	if err := s.manager.Run(ctx, action.ID); err != nil {
		return nil, err
	}
	if err := s.manager.Wait(ctx, action.ID); err != nil {
		abortCtx := context.WithoutCancel(ctx)
		if aerr := s.manager.Abort(abortCtx, action.ID); aerr != nil {
			logger.Warn(abortCtx, "Failed to abort child action", "actionId", action.ID, "err", aerr)
		}
		return nil, err
	}

	final, err := s.store.GetAction(ctx, action.ID)
	if err != nil {
		return nil, err
	}
	return &agent.SpawnOutcome{
		ActionID: action.ID,
		Status:   final.Status,
		Summary:  s.childSummary(ctx, action.ID),
	}, nil
}

// childSummary returns the output summary of the child's last completed
// task, which by creation order is the plan's final deliverable.
func (s *Spawner) childSummary(ctx context.Context, actionID string) string {
	tasks, err := s.store.ListTasks(ctx, actionID)
	if err != nil {
		return ""
	}
	summary := ""
	for _, t := range tasks {
		if t.Status == core.TaskCompleted && t.OutputSummary != "" {
			summary = t.OutputSummary
		}
	}
	return summary
}

package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/store"
)

// Retry reruns a failed action. Failed tasks that actually ran are first
// offered to the planner for a corrective rewrite of their subgraph; tasks
// that failed without running, and everything downstream of a reset task,
// simply return to pending. Completed work outside the failed subtrees is
// kept. The rerun starts immediately.
func (m *Manager) Retry(ctx context.Context, actionID string) error {
	if err := m.prepareRetry(ctx, actionID); err != nil {
		return err
	}
	return m.Run(ctx, actionID)
}

func (m *Manager) prepareRetry(ctx context.Context, actionID string) error {
	action, err := m.store.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	if action.Status != core.ActionFailed {
		return fmt.Errorf("action %s is %s: %w", actionID, action.Status, ErrNotRetryable)
	}

	unlock := m.lockAction(actionID)
	defer unlock()

	tasks, err := m.store.ListTasks(ctx, actionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.retries[actionID]++
	attempt := m.retries[actionID]
	m.mu.Unlock()
	m.bus.Publish(actionID, core.NewActionRetrying(actionID, attempt))
	logger.Info(ctx, "Retrying action", "actionId", actionID, "attempt", attempt)

	var resetIDs []string
	for _, task := range tasks {
		if task.Status != core.TaskFailed {
			continue
		}
		// Tasks that never ran were blocked by a failed dependency; the
		// rewrite of that dependency is what fixes them.
		if m.planner == nil || task.StartedAt.IsZero() {
			resetIDs = append(resetIDs, m.subtree(ctx, task.ID)...)
			continue
		}
		ids, err := m.recoverTask(ctx, action, task)
		if err != nil {
			logger.Warn(ctx, "Recovery planning failed, rerunning task as-is",
				"taskId", task.ID, "err", err)
			ids = m.subtree(ctx, task.ID)
		}
		resetIDs = append(resetIDs, ids...)
	}

	resetIDs = lo.Uniq(resetIDs)
	if len(resetIDs) > 0 {
		before := make(map[string]core.TaskStatus, len(tasks))
		for _, t := range tasks {
			before[t.ID] = t.Status
		}
		if err := m.store.ResetTasks(ctx, resetIDs); err != nil {
			return err
		}
		for _, id := range resetIDs {
			if status, ok := before[id]; ok && status != core.TaskPending {
				m.bus.Publish(actionID, core.NewTaskRecovered(actionID, id))
			}
		}
	}
	return nil
}

// subtree returns the task plus its transitive dependents.
func (m *Manager) subtree(ctx context.Context, taskID string) []string {
	downstream, err := m.store.TransitiveDependents(ctx, taskID)
	if err != nil {
		logger.Debug(ctx, "Failed to resolve dependents", "taskId", taskID, "err", err)
		return []string{taskID}
	}
	return append([]string{taskID}, downstream...)
}

// recoverTask asks the planner for replacement tasks. The first proposal
// rewrites the failed task in place; extra proposals become new tasks wired
// after it, and the failed task's old dependents are repointed at the tail of
// the replacement chain. Returns the ids to reset.
func (m *Manager) recoverTask(ctx context.Context, action *core.Action, task *core.Task) ([]string, error) {
	m.mu.Lock()
	used := m.recoveries[task.ID]
	m.mu.Unlock()

	rec, err := m.planner.Recover(ctx, action, task, task.Error, used)
	if err != nil {
		return nil, err
	}
	if len(rec.Tasks) == 0 {
		return nil, fmt.Errorf("recovery for task %s proposed no tasks", task.ID)
	}

	m.mu.Lock()
	m.recoveries[task.ID] = used + 1
	m.mu.Unlock()
	logger.Info(ctx, "Rewriting failed task", "taskId", task.ID,
		"replacements", len(rec.Tasks), "reasoning", rec.Reasoning)

	// Proposal 0 replaces the failed task in place so existing dependency
	// edges onto it stay valid.
	head := rec.Tasks[0]
	patch := store.TaskPatch{Prompt: &head.Prompt, AgentType: &head.AgentType}
	if head.Model != "" {
		patch.Model = &head.Model
	}
	if _, err := m.store.UpdateTask(ctx, task.ID, patch); err != nil {
		return nil, err
	}

	newIDs := []string{task.ID}
	if len(rec.Tasks) > 1 {
		specs := make([]store.TaskSpec, 0, len(rec.Tasks)-1)
		for i, planned := range rec.Tasks[1:] {
			id := uuid.NewString()
			newIDs = append(newIDs, id)
			deps := make([]string, 0, len(planned.Dependencies))
			for _, d := range planned.Dependencies {
				if d >= 0 && d <= i {
					deps = append(deps, newIDs[d])
				}
			}
			if len(deps) == 0 {
				deps = append(deps, task.ID)
			}
			specs = append(specs, store.TaskSpec{
				ID:           id,
				Prompt:       planned.Prompt,
				AgentType:    planned.AgentType,
				Model:        planned.Model,
				Dependencies: deps,
			})
		}
		if _, err := m.store.CreateTasks(ctx, action.ID, specs); err != nil {
			return nil, err
		}

		// Downstream consumers now read the tail of the replacement chain.
		tail := newIDs[len(newIDs)-1]
		dependentIDs, err := m.store.Dependents(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		for _, depID := range dependentIDs {
			if lo.Contains(newIDs, depID) {
				continue
			}
			dependent, err := m.store.GetTask(ctx, depID)
			if err != nil {
				return nil, err
			}
			deps := make([]string, len(dependent.Dependencies))
			for i, d := range dependent.Dependencies {
				if d == task.ID {
					d = tail
				}
				deps[i] = d
			}
			if _, err := m.store.UpdateTask(ctx, depID, store.TaskPatch{Dependencies: &deps}); err != nil {
				return nil, err
			}
		}
	}

	reset := append([]string{}, newIDs...)
	downstream, err := m.store.TransitiveDependents(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return append(reset, downstream...), nil
}

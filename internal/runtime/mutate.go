package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/store"
)

// EditTask patches a task and invalidates it together with everything
// downstream of it. Works on idle and running actions alike; in-flight
// attempts on invalidated tasks are canceled and their results dropped.
func (m *Manager) EditTask(ctx context.Context, taskID string, patch store.TaskPatch) (*core.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	unlock := m.lockAction(task.ActionID)
	defer unlock()

	if _, err := m.store.UpdateTask(ctx, taskID, patch); err != nil {
		return nil, err
	}
	if err := m.invalidate(ctx, task.ActionID, taskID); err != nil {
		return nil, err
	}
	m.refreshStatus(ctx, task.ActionID)
	m.nudgeRun(task.ActionID)
	return m.store.GetTask(ctx, taskID)
}

// AddTask appends a task to the action's graph. A running loop picks it up
// on its next pass.
func (m *Manager) AddTask(ctx context.Context, actionID string, spec store.TaskSpec) (*core.Task, error) {
	unlock := m.lockAction(actionID)
	defer unlock()

	created, err := m.store.CreateTasks(ctx, actionID, []store.TaskSpec{spec})
	if err != nil {
		return nil, err
	}
	m.refreshStatus(ctx, actionID)
	m.nudgeRun(actionID)
	return created[0], nil
}

// DeleteTask removes a task that nothing depends on, canceling its in-flight
// attempt first. store.ErrHasDependents when other tasks still reference it.
func (m *Manager) DeleteTask(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	unlock := m.lockAction(task.ActionID)
	defer unlock()

	dependents, err := m.store.Dependents(ctx, taskID)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return fmt.Errorf("task %s has %d dependents: %w", taskID, len(dependents), store.ErrHasDependents)
	}

	m.cancelAttempts(ctx, task.ActionID, []string{taskID})
	if err := m.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	m.refreshStatus(ctx, task.ActionID)
	m.nudgeRun(task.ActionID)
	return nil
}

// ResetTask returns the task and its transitive dependents to pending so
// they run again.
func (m *Manager) ResetTask(ctx context.Context, taskID string) (*core.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	unlock := m.lockAction(task.ActionID)
	defer unlock()

	if err := m.invalidate(ctx, task.ActionID, taskID); err != nil {
		return nil, err
	}
	m.refreshStatus(ctx, task.ActionID)
	m.nudgeRun(task.ActionID)
	return m.store.GetTask(ctx, taskID)
}

// Replan replaces the action's pending tasks with a fresh plan for the new
// root prompt. Finished tasks are kept and handed to the planner as context.
// ErrActiveRun while the action is executing.
func (m *Manager) Replan(ctx context.Context, actionID, rootPrompt string) error {
	if m.planner == nil {
		return fmt.Errorf("action %s cannot be re-planned without a planner", actionID)
	}
	unlock := m.lockAction(actionID)
	defer unlock()
	if m.runFor(actionID) != nil {
		return fmt.Errorf("action %s: %w", actionID, ErrActiveRun)
	}

	if _, err := m.store.UpdateAction(ctx, actionID, store.ActionPatch{RootPrompt: &rootPrompt}); err != nil {
		return err
	}
	tasks, err := m.store.ListTasks(ctx, actionID)
	if err != nil {
		return err
	}

	// Dependents of a pending task are pending themselves, so leaf-first
	// passes drain the whole set.
	pending := make(map[string]bool)
	var kept []*core.Task
	for _, t := range tasks {
		if t.Status == core.TaskPending {
			pending[t.ID] = true
		} else {
			kept = append(kept, t)
		}
	}
	for len(pending) > 0 {
		progressed := false
		for id := range pending {
			dependents, err := m.store.Dependents(ctx, id)
			if err != nil {
				return err
			}
			blocked := false
			for _, d := range dependents {
				if pending[d] {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			if err := m.store.DeleteTask(ctx, id); err != nil {
				return err
			}
			delete(pending, id)
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("action %s: pending tasks are referenced by finished ones", actionID)
		}
	}

	plan, err := m.planner.Plan(ctx, rootPrompt, kept)
	if err != nil {
		return err
	}
	created, err := m.store.CreateTasks(ctx, actionID, planner.ToTaskSpecs(plan))
	if err != nil {
		return err
	}
	m.refreshStatus(ctx, actionID)
	logger.Info(ctx, "Re-planned action", "actionId", actionID, "kept", len(kept), "tasks", len(created))
	return nil
}

// invalidate resets taskID and its transitive dependents. In-flight attempts
// among them are canceled first and their claims waited out, so no stale
// completion can land after the reset. Emits task.recovered for every member
// that was not already pending.
func (m *Manager) invalidate(ctx context.Context, actionID, taskID string) error {
	downstream, err := m.store.TransitiveDependents(ctx, taskID)
	if err != nil {
		return err
	}
	set := append([]string{taskID}, downstream...)

	tasks, err := m.store.ListTasks(ctx, actionID)
	if err != nil {
		return err
	}
	before := make(map[string]core.TaskStatus, len(tasks))
	for _, t := range tasks {
		before[t.ID] = t.Status
	}

	m.cancelAttempts(ctx, actionID, set)
	if err := m.store.ResetTasks(ctx, set); err != nil {
		return err
	}
	for _, id := range set {
		if status, ok := before[id]; ok && status != core.TaskPending {
			m.bus.Publish(actionID, core.NewTaskRecovered(actionID, id))
		}
	}
	logger.Info(ctx, "Invalidated task subtree", "taskId", taskID, "tasks", len(set))
	return nil
}

// cancelAttempts cancels in-flight attempts among ids and waits for each to
// release its claim, up to the cancellation grace. Attempts that outlive the
// grace lose their claims anyway once the reset lands; their late writes
// bounce off the claim check.
func (m *Manager) cancelAttempts(ctx context.Context, actionID string, ids []string) {
	run := m.runFor(actionID)
	if run == nil {
		return
	}
	attempts := run.cancelTasks(ids)
	if len(attempts) == 0 {
		return
	}
	expired := time.After(m.cancelGrace)
	for _, a := range attempts {
		select {
		case <-a.done:
		case <-expired:
			logger.Warn(ctx, "Cancellation grace expired, force-releasing claims",
				"actionId", actionID, "grace", m.cancelGrace)
			return
		}
	}
}

// refreshStatus re-derives the stored status of an idle action after a graph
// mutation. An active run owns the status until it finishes. Callers hold the
// action lock, so no run can start mid-refresh.
func (m *Manager) refreshStatus(ctx context.Context, actionID string) {
	if m.runFor(actionID) != nil {
		return
	}
	action, err := m.store.GetAction(ctx, actionID)
	if err != nil {
		return
	}
	tasks, err := m.store.ListTasks(ctx, actionID)
	if err != nil {
		return
	}
	status := core.ActionStatusOf(tasks)
	if status == action.Status {
		return
	}
	if err := m.store.SetActionStatus(ctx, actionID, status); err != nil {
		logger.Debug(ctx, "Failed to refresh action status", "actionId", actionID, "err", err)
	}
}

// lockAction serializes mutations per action. The returned func unlocks.
func (m *Manager) lockAction(actionID string) func() {
	l := m.lockFor(actionID)
	l.Lock()
	return l.Unlock
}

// nudgeRun wakes the action's scheduling loop if one is active.
func (m *Manager) nudgeRun(actionID string) {
	if run := m.runFor(actionID); run != nil {
		run.nudge()
	}
}

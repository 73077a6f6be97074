package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/common/backoff"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/store"
)

// runTask claims the task and drives it through attempts until it completes,
// fails terminally, or is canceled. ctx is the attempt context created by the
// run; canceling it is how mutations and aborts stop the task.
func (m *Manager) runTask(ctx context.Context, r *actionRun, task *core.Task) {
	token := uuid.NewString()
	claimed, err := m.store.ClaimTask(ctx, task.ID, token)
	if err != nil {
		// Another pass or a mutation got there first.
		logger.Debug(ctx, "Task claim lost", "taskId", task.ID, "err", err)
		return
	}
	task = claimed

	ctx, span := m.tracer.Start(ctx, fmt.Sprintf("Task: %s", task.AgentType))
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.agent_type", task.AgentType),
	)

	m.bus.Publish(r.actionID, core.NewTaskStarted(r.actionID, task.ID))
	m.metrics.TaskStarted(task.AgentType)
	logger.Info(ctx, "Task started", "taskId", task.ID, "agent", task.AgentType)

	start := time.Now()
	outcome := m.executeWithRetries(ctx, r, task, token)
	span.SetAttributes(attribute.String("task.outcome", outcome))
	m.metrics.TaskFinished(task.AgentType, outcome, time.Since(start))
}

// executeWithRetries runs attempts under the retry policy and returns the
// outcome label: completed, failed, or canceled.
func (m *Manager) executeWithRetries(ctx context.Context, r *actionRun, task *core.Task, token string) string {
	ag, ok := m.agents.Resolve(task.AgentType)
	if !ok {
		return m.failTask(ctx, r, task, token, core.Permanentf("no agent available for type %q", task.AgentType), 1)
	}

	policy := backoff.NewExponentialBackoffPolicy(m.baseBackoff)
	policy.MaxRetries = m.maxAttempts - 1
	retrier := backoff.NewRetrier(backoff.WithFullJitter(policy))

	for attempt := 1; ; attempt++ {
		result, err := m.attemptTask(ctx, ag, task)
		if err == nil {
			return m.completeTask(ctx, r, task, token, result)
		}
		if ctx.Err() != nil {
			return m.releaseCanceled(r, task)
		}
		// MaxRetries zero would mean unlimited; a single-attempt budget
		// must skip the retry path entirely.
		if m.maxAttempts > 1 && core.KindOf(err) == core.KindTransient {
			wait, rerr := retrier.Next(err)
			if rerr == nil {
				if merr := m.store.MarkTaskRetrying(ctx, task.ID, token, attempt); merr != nil {
					logger.Debug(ctx, "Task claim lost before retry", "taskId", task.ID, "err", merr)
					return "canceled"
				}
				m.bus.Publish(r.actionID, core.NewTaskRetrying(r.actionID, task.ID, attempt+1, m.maxAttempts))
				logger.Warn(ctx, "Task attempt failed, retrying",
					"taskId", task.ID, "attempt", attempt, "wait", wait, "err", err)
				if !sleep(ctx, wait) {
					return m.releaseCanceled(r, task)
				}
				continue
			}
		}
		return m.failTask(ctx, r, task, token, err, attempt)
	}
}

// attemptTask executes one agent attempt under the per-attempt timeout.
func (m *Manager) attemptTask(ctx context.Context, ag agent.Agent, task *core.Task) (*agent.Result, error) {
	inputs, err := m.gatherInputs(ctx, task)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("gather inputs: %w", err))
	}
	action, err := m.store.GetAction(ctx, task.ActionID)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("load action: %w", err))
	}

	req := &agent.Request{
		Action:    action,
		Task:      task,
		Inputs:    inputs,
		Sink:      &taskSink{m: m, actionID: task.ActionID, taskID: task.ID},
		Artifacts: m.blobs,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.taskTimeout)
	defer cancel()

	result, err := m.invoke(attemptCtx, ag, req)
	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, core.Transientf("task timed out after %s", m.taskTimeout)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, core.Permanentf("agent %s returned no result", ag.Type())
	}
	return result, nil
}

// invoke calls the agent, converting panics into permanent errors so one bad
// agent cannot take the whole scheduler down.
func (m *Manager) invoke(ctx context.Context, ag agent.Agent, req *agent.Request) (result *agent.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "Agent panicked", "agent", ag.Type(), "taskId", req.Task.ID, "panic", p)
			result = nil
			err = core.Permanentf("agent %s panicked: %v\n%s", ag.Type(), p, debug.Stack())
		}
	}()
	return ag.Run(ctx, req)
}

// completeTask persists the result and announces completion. A stale claim
// means a mutation invalidated this task mid-flight; the result is discarded
// and the mutation's reset stands.
func (m *Manager) completeTask(ctx context.Context, r *actionRun, task *core.Task, token string, result *agent.Result) string {
	ctx = context.WithoutCancel(ctx)

	var artifactIDs []string
	for _, art := range result.Artifacts {
		art.TaskID = task.ID
		if err := m.store.PutArtifact(ctx, art); err != nil {
			logger.Warn(ctx, "Failed to record artifact", "taskId", task.ID, "name", art.Name, "err", err)
			continue
		}
		artifactIDs = append(artifactIDs, art.ID)
	}

	output, err := m.store.CompleteTask(ctx, task.ID, token, store.OutputSpec{
		Summary:     result.Summary,
		Text:        result.Text,
		ArtifactIDs: artifactIDs,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Info(ctx, "Discarding stale task output", "taskId", task.ID)
			return "canceled"
		}
		logger.Error(ctx, "Failed to persist task output", "taskId", task.ID, "err", err)
		if ferr := m.store.FailTask(ctx, task.ID, token, err.Error(), task.RetryCount); ferr != nil {
			logger.Debug(ctx, "Failed to mark task failed", "taskId", task.ID, "err", ferr)
		}
		return "failed"
	}

	m.bus.Publish(r.actionID, core.NewTaskCompleted(r.actionID, task.ID, output.Summary, output.ArtifactIDs))
	logger.Info(ctx, "Task completed", "taskId", task.ID)
	return "completed"
}

// failTask records a terminal failure after the given number of attempts.
func (m *Manager) failTask(ctx context.Context, r *actionRun, task *core.Task, token string, cause error, attempts int) string {
	ctx = context.WithoutCancel(ctx)
	err := m.store.FailTask(ctx, task.ID, token, cause.Error(), attempts)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Info(ctx, "Discarding stale task failure", "taskId", task.ID)
			return "canceled"
		}
		logger.Error(ctx, "Failed to mark task failed", "taskId", task.ID, "err", err)
		return "failed"
	}
	m.bus.Publish(r.actionID, core.NewTaskFailed(r.actionID, task.ID, cause.Error(), attempts))
	logger.Error(ctx, "Task failed", "taskId", task.ID, "attempts", attempts, "err", cause)
	return "failed"
}

// releaseCanceled handles a canceled attempt. When the whole run is being
// aborted this side returns the task to pending and announces it; when only
// the task was canceled, a mutation is invalidating it and owns the reset.
func (m *Manager) releaseCanceled(r *actionRun, task *core.Task) string {
	if r.ctx.Err() == nil {
		return "canceled"
	}
	ctx := context.WithoutCancel(r.ctx)
	if err := m.store.ResetTasks(ctx, []string{task.ID}); err != nil {
		logger.Error(ctx, "Failed to release canceled task", "taskId", task.ID, "err", err)
		return "canceled"
	}
	m.bus.Publish(r.actionID, core.NewTaskRecovered(r.actionID, task.ID))
	logger.Info(ctx, "Task canceled, returned to pending", "taskId", task.ID)
	return "canceled"
}

// gatherInputs assembles the outputs of the task's dependencies, in
// dependency order, with their artifacts attached.
func (m *Manager) gatherInputs(ctx context.Context, task *core.Task) ([]agent.Input, error) {
	if len(task.Dependencies) == 0 {
		return nil, nil
	}
	outputs, err := m.store.ListOutputsByTasks(ctx, task.Dependencies)
	if err != nil {
		return nil, err
	}
	inputs := make([]agent.Input, 0, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		out, ok := outputs[dep]
		if !ok {
			continue
		}
		in := agent.Input{TaskID: dep, Summary: out.Summary, Text: out.Text}
		for _, id := range out.ArtifactIDs {
			art, err := m.store.GetArtifact(ctx, id)
			if err != nil {
				logger.Debug(ctx, "Skipping missing artifact", "artifactId", id, "err", err)
				continue
			}
			in.Artifacts = append(in.Artifacts, art)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// sleep waits for d, returning false if ctx is canceled first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
)

// taskAttempt tracks one in-flight task so mutations can cancel it and wait
// for the claim to be released.
type taskAttempt struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// actionRun is the scheduling loop state for one running action.
type actionRun struct {
	m        *Manager
	actionID string
	ctx      context.Context
	cancel   context.CancelFunc
	notify   chan struct{} // wake the loop after a mutation or task exit
	done     chan struct{} // closed when the loop has fully wound down

	mu       sync.Mutex
	inflight map[string]*taskAttempt
}

// nudge wakes the scheduling loop without blocking.
func (r *actionRun) nudge() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// track registers an in-flight attempt and returns its cancelable context.
func (r *actionRun) track(taskID string) (context.Context, *taskAttempt) {
	ctx, cancel := context.WithCancel(r.ctx)
	a := &taskAttempt{taskID: taskID, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.inflight[taskID] = a
	r.mu.Unlock()
	return ctx, a
}

// untrack removes the attempt, releases its context, and wakes the loop.
func (r *actionRun) untrack(a *taskAttempt) {
	r.mu.Lock()
	delete(r.inflight, a.taskID)
	r.mu.Unlock()
	a.cancel()
	close(a.done)
	r.nudge()
}

// cancelTasks cancels any in-flight attempts among ids and returns them so
// the caller can wait for the claims to be released.
func (r *actionRun) cancelTasks(ids []string) []*taskAttempt {
	r.mu.Lock()
	var hit []*taskAttempt
	for _, id := range ids {
		if a, ok := r.inflight[id]; ok {
			hit = append(hit, a)
		}
	}
	r.mu.Unlock()
	for _, a := range hit {
		a.cancel()
	}
	return hit
}

// tracked reports whether the task has an in-flight attempt.
func (r *actionRun) tracked(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[taskID]
	return ok
}

// running returns the number of in-flight attempts.
func (r *actionRun) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// loop drives the action until the graph settles or the run is canceled.
// Each pass re-reads the graph, fails tasks whose dependencies failed, admits
// ready tasks up to the concurrency bound, and then sleeps until an attempt
// exits or a mutation nudges it.
func (r *actionRun) loop() {
	ctx, span := r.m.tracer.Start(r.ctx, fmt.Sprintf("Action: %s", r.actionID))
	span.SetAttributes(attribute.String("action.id", r.actionID))
	// Thread the span through so task spans nest under the action span. No
	// attempt goroutine exists yet, so the write is safe.
	r.ctx = ctx

	sem := semaphore.NewWeighted(int64(r.m.maxConcurrent))
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}
		idle, err := r.reconcile(ctx, sem, &wg)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error(ctx, "Scheduling pass failed", "actionId", r.actionID, "err", err)
				r.cancel()
			}
			break
		}
		if idle {
			break
		}
		select {
		case <-ctx.Done():
		case <-r.notify:
		}
	}

	wg.Wait()
	r.finish(span)
	close(r.done)
}

// reconcile runs one scheduling pass. It reports idle when nothing is
// in flight and no task can become ready without outside intervention.
func (r *actionRun) reconcile(ctx context.Context, sem *semaphore.Weighted, wg *sync.WaitGroup) (bool, error) {
	tasks, err := r.m.store.ListTasks(ctx, r.actionID)
	if err != nil {
		return false, err
	}
	byID := make(map[string]*core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// Propagate failures downstream until a fixpoint: a pending task whose
	// direct dependency failed can never run, and its own failure may block
	// further tasks in turn.
	for {
		blocked := false
		for _, t := range tasks {
			if t.Status != core.TaskPending || r.tracked(t.ID) {
				continue
			}
			for _, dep := range t.Dependencies {
				d, ok := byID[dep]
				if !ok || d.Status != core.TaskFailed {
					continue
				}
				failed, err := r.m.store.FailPending(ctx, t.ID, "dependency failed")
				if err != nil {
					logger.Debug(ctx, "Skipping dependency-failure mark", "taskId", t.ID, "err", err)
					break
				}
				byID[t.ID] = failed
				*t = *failed
				r.m.bus.Publish(r.actionID, core.NewTaskFailed(r.actionID, t.ID, "dependency failed", failed.RetryCount))
				logger.Info(ctx, "Task blocked by failed dependency", "taskId", t.ID, "dependency", dep)
				blocked = true
				break
			}
		}
		if !blocked {
			break
		}
	}

	// Admit ready tasks in creation order while permits last.
	admitted := 0
	ready := 0
	for _, t := range tasks {
		if t.Status != core.TaskPending || r.tracked(t.ID) {
			continue
		}
		if !depsCompleted(t, byID) {
			continue
		}
		ready++
		if !sem.TryAcquire(1) {
			break
		}
		taskCtx, attempt := r.track(t.ID)
		wg.Add(1)
		admitted++
		go func(t *core.Task) {
			defer wg.Done()
			defer sem.Release(1)
			defer r.untrack(attempt)
			r.m.runTask(taskCtx, r, t)
		}(t)
	}

	// A task can show running in the snapshot while its attempt has already
	// exited, or the other way round: a just-finished attempt whose write
	// postdates the snapshot, or a mutation-canceled claim the mutator has
	// yet to reset. Either owner nudges once it settles, so treat both as
	// busy rather than idle.
	busy := r.running() > 0
	if !busy {
		for _, t := range tasks {
			if t.Status == core.TaskRunning {
				busy = true
				break
			}
		}
	}
	idle := admitted == 0 && ready == 0 && !busy
	return idle, nil
}

// depsCompleted reports whether every dependency of t has completed.
func depsCompleted(t *core.Task, byID map[string]*core.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != core.TaskCompleted {
			return false
		}
	}
	return true
}

// finish deregisters the run, derives and persists the action's final
// status, and announces the outcome.
func (r *actionRun) finish(span trace.Span) {
	defer span.End()

	// The run context may already be canceled; keep its values for logging.
	ctx := context.WithoutCancel(r.ctx)

	// Serialize with mutations so the final status derives from a settled
	// graph, and deregister under the lock so the next Run sees a clean map.
	unlock := r.m.lockAction(r.actionID)
	defer unlock()
	r.m.mu.Lock()
	delete(r.m.runs, r.actionID)
	r.m.mu.Unlock()

	tasks, err := r.m.store.ListTasks(ctx, r.actionID)
	if err != nil {
		logger.Warn(ctx, "Action vanished during run", "actionId", r.actionID, "err", err)
		return
	}
	status := core.ActionStatusOf(tasks)
	if err := r.m.store.SetActionStatus(ctx, r.actionID, status); err != nil {
		logger.Error(ctx, "Failed to persist action status", "actionId", r.actionID, "err", err)
	}
	span.SetAttributes(attribute.String("action.status", status.String()))

	switch status {
	case core.ActionCompleted:
		r.m.bus.Publish(r.actionID, core.NewActionCompleted(r.actionID))
		r.m.metrics.ActionFinished(status.String())
		logger.Info(ctx, "Action run completed", "actionId", r.actionID)
	case core.ActionFailed:
		r.m.bus.Publish(r.actionID, core.NewActionFailed(r.actionID, "one or more tasks failed"))
		r.m.metrics.ActionFinished(status.String())
		logger.Info(ctx, "Action run failed", "actionId", r.actionID)
	default:
		// Aborted with work left over. The action stays resumable.
		logger.Info(ctx, "Action run stopped", "actionId", r.actionID, "status", status)
	}
}

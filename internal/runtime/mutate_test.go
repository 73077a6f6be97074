package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/runtime"
	"github.com/acto-org/acto/internal/store"
)

func strPtr(s string) *string { return &s }

func TestEditTaskCancelsAndReschedulesMidRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.ID == "t2" && req.Task.Prompt == "block" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ok(req)
	}, nil)

	action := h.newAction(t,
		store.TaskSpec{ID: "t1", Prompt: "first", AgentType: "general"},
		store.TaskSpec{ID: "t2", Prompt: "block", AgentType: "general", Dependencies: []string{"t1"}},
		store.TaskSpec{ID: "t3", Prompt: "last", AgentType: "general", Dependencies: []string{"t2"}},
	)
	sub := h.subscribe(t, action.ID)

	require.NoError(t, h.mgr.Run(context.Background(), action.ID))
	awaitEvent(t, sub, core.EventTaskCompleted) // t1
	awaitEvent(t, sub, core.EventTaskStarted)   // t2 now hanging

	edited, err := h.mgr.EditTask(context.Background(), "t2", store.TaskPatch{Prompt: strPtr("fixed")})
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Prompt)
	assert.Equal(t, core.TaskPending, edited.Status)

	// The same run picks the edited task back up and drives to completion.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))

	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
	assert.Equal(t, core.TaskCompleted, h.task(t, "t2").Status)
	assert.Equal(t, core.TaskCompleted, h.task(t, "t3").Status)
	assert.Equal(t, core.TaskCompleted, h.task(t, "t1").Status)

	evs := drain(sub)
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskStarted, "t1"), "upstream work must not rerun")
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskRecovered, "t2"))
	assert.Equal(t, 2, countTaskEvents(evs, core.EventTaskStarted, "t2"))
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskCompleted, "t2"))
}

func TestEditTaskInvalidatesDownstreamOfIdleAction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)

	action := h.newAction(t,
		store.TaskSpec{ID: "t1", Prompt: "a", AgentType: "general"},
		store.TaskSpec{ID: "t2", Prompt: "b", AgentType: "general", Dependencies: []string{"t1"}},
		store.TaskSpec{ID: "t3", Prompt: "c", AgentType: "general", Dependencies: []string{"t2"}},
	)
	h.runAndWait(t, action.ID)
	sub := h.subscribe(t, action.ID)

	edited, err := h.mgr.EditTask(context.Background(), "t2", store.TaskPatch{Prompt: strPtr("b2")})
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, edited.Status)

	// Upstream stays done, downstream is invalidated, nothing auto-runs.
	assert.Equal(t, core.TaskCompleted, h.task(t, "t1").Status)
	assert.Equal(t, core.TaskPending, h.task(t, "t3").Status)
	assert.False(t, h.mgr.Running(action.ID))

	evs := drain(sub)
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskRecovered, "t2"))
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskRecovered, "t3"))
	assert.Equal(t, 0, countTaskEvents(evs, core.EventTaskRecovered, "t1"))

	// Resuming only reruns the invalidated pair.
	h.runAndWait(t, action.ID)
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
	evs = drain(sub)
	assert.Equal(t, 0, countTaskEvents(evs, core.EventTaskStarted, "t1"))
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskStarted, "t2"))
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskStarted, "t3"))
}

func TestEditTaskForceReleasesStubbornClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.Prompt == "stubborn" {
			// Ignores cancellation and reports success well after the
			// mutation's grace ran out.
			time.Sleep(100 * time.Millisecond)
			return &agent.Result{Summary: "stale result"}, nil
		}
		return ok(req)
	}, func(cfg *runtime.Config) { cfg.CancelGrace = 10 * time.Millisecond })

	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "stubborn", AgentType: "general"})
	sub := h.subscribe(t, action.ID)

	require.NoError(t, h.mgr.Run(context.Background(), action.ID))
	awaitEvent(t, sub, core.EventTaskStarted)

	edited, err := h.mgr.EditTask(context.Background(), "t1", store.TaskPatch{Prompt: strPtr("quick")})
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, edited.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))

	// The stale attempt's result is discarded; the rerun's output wins.
	task := h.task(t, "t1")
	assert.Equal(t, core.TaskCompleted, task.Status)
	assert.Equal(t, "done t1", task.OutputSummary)
	out, err := h.store.GetCurrentOutput(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "done t1", out.Summary)

	evs := drain(sub)
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskCompleted, "t1"))
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskRecovered, "t1"))
}

func TestAddTaskJoinsActiveRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.ID == "t1" {
			<-release
		}
		return ok(req)
	}, nil)

	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "gate", AgentType: "general"})
	sub := h.subscribe(t, action.ID)

	require.NoError(t, h.mgr.Run(context.Background(), action.ID))
	awaitEvent(t, sub, core.EventTaskStarted)

	added, err := h.mgr.AddTask(context.Background(), action.ID, store.TaskSpec{
		ID: "t2", Prompt: "late arrival", AgentType: "general",
	})
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, added.Status)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))

	assert.Equal(t, core.TaskCompleted, h.task(t, "t2").Status)
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
}

func TestAddTaskValidatesDependencies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)
	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "a", AgentType: "general"})

	_, err := h.mgr.AddTask(context.Background(), action.ID, store.TaskSpec{
		Prompt: "dangling", AgentType: "general", Dependencies: []string{"ghost"},
	})
	require.ErrorIs(t, err, store.ErrUnknownDependency)
}

func TestDeleteTaskRefusesWithDependents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)
	h.newAction(t,
		store.TaskSpec{ID: "t1", Prompt: "a", AgentType: "general"},
		store.TaskSpec{ID: "t2", Prompt: "b", AgentType: "general", Dependencies: []string{"t1"}},
	)

	err := h.mgr.DeleteTask(context.Background(), "t1")
	require.ErrorIs(t, err, store.ErrHasDependents)
	assert.Equal(t, core.TaskPending, h.task(t, "t1").Status)

	// Leaves delete fine, and afterwards the former dependency is free too.
	require.NoError(t, h.mgr.DeleteTask(context.Background(), "t2"))
	require.NoError(t, h.mgr.DeleteTask(context.Background(), "t1"))
	_, err = h.store.GetTask(context.Background(), "t1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteTaskCancelsInFlightAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.ID == "t1" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ok(req)
	}, nil)

	action := h.newAction(t,
		store.TaskSpec{ID: "t1", Prompt: "hang", AgentType: "general"},
		store.TaskSpec{ID: "t2", Prompt: "also run", AgentType: "general"},
	)
	sub := h.subscribe(t, action.ID)

	require.NoError(t, h.mgr.Run(context.Background(), action.ID))
	awaitEvent(t, sub, core.EventTaskStarted)

	require.NoError(t, h.mgr.DeleteTask(context.Background(), "t1"))
	_, err := h.store.GetTask(context.Background(), "t1")
	require.ErrorIs(t, err, store.ErrNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
}

func TestResetTaskInvalidatesSubtree(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)

	action := h.newAction(t,
		store.TaskSpec{ID: "t1", Prompt: "a", AgentType: "general"},
		store.TaskSpec{ID: "t2", Prompt: "b", AgentType: "general", Dependencies: []string{"t1"}},
		store.TaskSpec{ID: "t3", Prompt: "c", AgentType: "general", Dependencies: []string{"t2"}},
		store.TaskSpec{ID: "t4", Prompt: "d", AgentType: "general"},
	)
	h.runAndWait(t, action.ID)

	reset, err := h.mgr.ResetTask(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, reset.Status)
	assert.Empty(t, reset.OutputSummary)

	assert.Equal(t, core.TaskCompleted, h.task(t, "t1").Status)
	assert.Equal(t, core.TaskPending, h.task(t, "t3").Status)
	assert.Equal(t, core.TaskCompleted, h.task(t, "t4").Status)

	h.runAndWait(t, action.ID)
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
}

func TestMutationRefreshesIdleActionStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)

	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "a", AgentType: "general"})
	h.runAndWait(t, action.ID)
	require.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)

	added, err := h.mgr.AddTask(context.Background(), action.ID, store.TaskSpec{
		Prompt:    "follow up",
		AgentType: "general",
	})
	require.NoError(t, err)
	assert.Equal(t, core.ActionDraft, h.action(t, action.ID).Status, "pending work reopens the action")

	require.NoError(t, h.mgr.DeleteTask(context.Background(), added.ID))
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status, "dropping the pending task settles it again")
}

func TestReplanReplacesPendingGraph(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, func(cfg *runtime.Config) {
		cfg.Planner = newTestPlanner(scriptedReply{content: `{
			"tasks": [
				{"prompt": "fetch the report", "agent_type": "general", "dependencies": []},
				{"prompt": "chart the numbers", "agent_type": "general", "dependencies": [0]}
			],
			"reasoning": "new goal, new steps"
		}`})
	})

	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "collect inputs", AgentType: "general"})
	h.runAndWait(t, action.ID)

	_, err := h.mgr.AddTask(context.Background(), action.ID, store.TaskSpec{
		ID:        "t2",
		Prompt:    "stale follow up",
		AgentType: "general",
	})
	require.NoError(t, err)

	require.NoError(t, h.mgr.Replan(context.Background(), action.ID, "chart last quarter instead"))

	assert.Equal(t, "chart last quarter instead", h.action(t, action.ID).RootPrompt)
	assert.Equal(t, core.ActionDraft, h.action(t, action.ID).Status)

	_, err = h.store.GetTask(context.Background(), "t2")
	require.ErrorIs(t, err, store.ErrNotFound, "pending tasks are dropped")

	tasks, err := h.store.ListTasks(context.Background(), action.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, core.TaskCompleted, h.task(t, "t1").Status, "finished work survives the re-plan")

	prompts := map[string]bool{}
	for _, task := range tasks {
		prompts[task.Prompt] = true
	}
	assert.True(t, prompts["fetch the report"])
	assert.True(t, prompts["chart the numbers"])

	h.runAndWait(t, action.ID)
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
}

func TestReplanRefusesActiveRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.ID == "t1" && req.Task.Prompt == "block" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ok(req)
	}, func(cfg *runtime.Config) {
		cfg.Planner = newTestPlanner()
	})

	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "block", AgentType: "general"})
	sub := h.subscribe(t, action.ID)

	require.NoError(t, h.mgr.Run(context.Background(), action.ID))
	awaitEvent(t, sub, core.EventTaskStarted)

	err := h.mgr.Replan(context.Background(), action.ID, "new direction")
	require.ErrorIs(t, err, runtime.ErrActiveRun)

	require.NoError(t, h.mgr.Abort(context.Background(), action.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))
}

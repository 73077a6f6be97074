package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/store"
	"github.com/acto-org/acto/internal/test"
)

// taskIDOf extracts the task id from any task-scoped payload.
func taskIDOf(ev core.Event) string {
	switch p := ev.Payload.(type) {
	case core.TaskStartedPayload:
		return p.TaskID
	case core.TaskCompletedPayload:
		return p.TaskID
	case core.TaskFailedPayload:
		return p.TaskID
	case core.TaskRetryingPayload:
		return p.TaskID
	case core.TaskRecoveredPayload:
		return p.TaskID
	default:
		return ""
	}
}

// A subscriber watching a full run sees, per task, exactly one started event
// before the terminal one, with any retries strictly between, and dependency
// order preserved across tasks.
func TestSubscriberSeesOrderedTaskLifecycles(t *testing.T) {
	t.Parallel()

	th := test.Setup(t)
	ctx := th.Context

	action, err := th.Store.CreateAction(ctx, store.ActionSpec{Title: "lifecycle", RootPrompt: "run two steps"})
	require.NoError(t, err)
	_, err = th.Store.CreateTasks(ctx, action.ID, []store.TaskSpec{
		{ID: "t1", Prompt: "first", AgentType: "general"},
		{ID: "t2", Prompt: "second", AgentType: "general", Dependencies: []string{"t1"}},
	})
	require.NoError(t, err)

	th.Agent.Script("t1", test.FailTransient("flaky upstream"))

	sub, err := th.Bus.Subscribe(ctx, action.ID)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	require.NoError(t, th.Manager.Run(ctx, action.ID))
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, th.Manager.Wait(waitCtx, action.ID))

	var seen []core.Event
	deadline := time.After(10 * time.Second)
collect:
	for {
		select {
		case ev, okc := <-sub.Events():
			require.True(t, okc, "event stream closed early")
			if ev.Type == core.EventPing {
				continue
			}
			seen = append(seen, ev)
			if ev.Type == core.EventActionCompleted || ev.Type == core.EventActionFailed {
				break collect
			}
		case <-deadline:
			t.Fatal("timed out collecting events")
		}
	}

	require.NotEmpty(t, seen)
	assert.Equal(t, core.EventSnapshot, seen[0].Type)
	assert.Equal(t, core.EventActionStarted, seen[1].Type)
	assert.Equal(t, core.EventActionCompleted, seen[len(seen)-1].Type)

	for _, taskID := range []string{"t1", "t2"} {
		assert.Equal(t, 1, countTaskEvents(seen, core.EventTaskStarted, taskID), "task %s started once", taskID)
		assert.Equal(t, 1, countTaskEvents(seen, core.EventTaskCompleted, taskID), "task %s completed once", taskID)
		assert.Zero(t, countTaskEvents(seen, core.EventTaskFailed, taskID))
	}
	assert.Equal(t, 1, countTaskEvents(seen, core.EventTaskRetrying, "t1"))
	assert.Zero(t, countTaskEvents(seen, core.EventTaskRetrying, "t2"))

	// Index of the first event of the given type for the task.
	idx := func(typ core.EventType, taskID string) int {
		for i, ev := range seen {
			if ev.Type == typ && taskIDOf(ev) == taskID {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx(core.EventTaskStarted, "t1"), idx(core.EventTaskRetrying, "t1"))
	assert.Less(t, idx(core.EventTaskRetrying, "t1"), idx(core.EventTaskCompleted, "t1"))
	assert.Less(t, idx(core.EventTaskCompleted, "t1"), idx(core.EventTaskStarted, "t2"))
	assert.Less(t, idx(core.EventTaskStarted, "t2"), idx(core.EventTaskCompleted, "t2"))

	assert.Equal(t, 2, th.Agent.Calls("t1"))
	assert.Equal(t, 1, th.Agent.Calls("t2"))

	got, err := th.Store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionCompleted, got.Status)
}

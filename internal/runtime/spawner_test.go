package runtime_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/runtime"
	"github.com/acto-org/acto/internal/store"
)

func TestSpawnActionRunsChildToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)

	pl := newTestPlanner(
		scriptedReply{content: `{"tasks":[
			{"prompt":"gather sources","agent_type":"general","dependencies":[]},
			{"prompt":"write digest","agent_type":"general","dependencies":[0]}
		]}`},
		scriptedReply{content: "News digest"},
	)
	spawner := runtime.NewSpawner(h.store, pl, h.mgr)

	parent := h.newAction(t, store.TaskSpec{ID: "pt", Prompt: "parent task", AgentType: "general"})

	outcome, err := spawner.SpawnAction(context.Background(), agent.SpawnSpec{
		RootPrompt:     "compile a news digest",
		ParentActionID: parent.ID,
		ParentTaskID:   "pt",
		Depth:          1,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, core.ActionCompleted, outcome.Status)
	assert.True(t, strings.HasPrefix(outcome.Summary, "done "), "summary comes from the last completed task")

	child := h.action(t, outcome.ActionID)
	assert.Equal(t, parent.ID, child.ParentActionID)
	assert.Equal(t, "pt", child.ParentTaskID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "compile a news digest", child.RootPrompt)

	tasks, err := h.store.ListTasks(context.Background(), outcome.ActionID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "gather sources", tasks[0].Prompt)
	assert.Equal(t, "write digest", tasks[1].Prompt)
	assert.Equal(t, []string{tasks[0].ID}, tasks[1].Dependencies)
}

func TestSpawnActionAbortsChildOnCancel(t *testing.T) {
	t.Parallel()

	childStarted := make(chan string, 1)
	h := newHarness(t, func(ctx context.Context, req *agent.Request) (*agent.Result, error) {
		select {
		case childStarted <- req.Task.ActionID:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	pl := newTestPlanner(
		scriptedReply{content: `{"tasks":[{"prompt":"never finishes","agent_type":"general","dependencies":[]}]}`},
		scriptedReply{content: "Stuck child"},
	)
	spawner := runtime.NewSpawner(h.store, pl, h.mgr)

	ctx, cancel := context.WithCancel(context.Background())
	spawnErr := make(chan error, 1)
	go func() {
		_, err := spawner.SpawnAction(ctx, agent.SpawnSpec{RootPrompt: "spin forever", Depth: 1})
		spawnErr <- err
	}()

	var childID string
	select {
	case childID = <-childStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("child task never started")
	}

	cancel()
	select {
	case err := <-spawnErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("SpawnAction did not return after cancel")
	}

	// The child was aborted, not left running.
	assert.False(t, h.mgr.Running(childID))
	tasks, err := h.store.ListTasks(context.Background(), childID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskPending, tasks[0].Status)
}

func TestSpawnActionPropagatesPlannerFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)

	// A planner with no scripted replies falls back to a single general
	// task rather than failing; the child still completes.
	pl := newTestPlanner()
	spawner := runtime.NewSpawner(h.store, pl, h.mgr)

	outcome, err := spawner.SpawnAction(context.Background(), agent.SpawnSpec{
		RootPrompt: "just do it",
		Depth:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, core.ActionCompleted, outcome.Status)

	tasks, err := h.store.ListTasks(context.Background(), outcome.ActionID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.GeneralAgentType, tasks[0].AgentType)
}

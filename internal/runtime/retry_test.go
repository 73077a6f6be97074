package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/runtime"
	"github.com/acto-org/acto/internal/store"
)

// scriptedClient replays canned completions in order.
type scriptedClient struct {
	mu      sync.Mutex
	replies []scriptedReply
}

type scriptedReply struct {
	content string
	err     error
}

func (c *scriptedClient) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content, FinishReason: "stop"}, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

// newTestPlanner builds a planner whose model replies with the given scripts.
func newTestPlanner(replies ...scriptedReply) *planner.Planner {
	reg := llm.NewRegistry("openai/gpt-4o")
	reg.AddClient(llm.ProviderOpenAI, &scriptedClient{replies: replies})
	return planner.New(reg, func() []string { return []string{"general"} }, planner.Options{})
}

func TestRetryRerunsFailedSubtreesWithoutPlanner(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	taCalls := 0
	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.ID == "ta" {
			mu.Lock()
			taCalls++
			n := taCalls
			mu.Unlock()
			if n == 1 {
				return nil, core.Permanentf("first pass broke")
			}
		}
		return ok(req)
	}, func(cfg *runtime.Config) { cfg.MaxAttempts = 1 })

	action := h.newAction(t,
		store.TaskSpec{ID: "ta", Prompt: "root", AgentType: "general"},
		store.TaskSpec{ID: "tb", Prompt: "child", AgentType: "general", Dependencies: []string{"ta"}},
	)
	h.runAndWait(t, action.ID)
	require.Equal(t, core.ActionFailed, h.action(t, action.ID).Status)
	require.Equal(t, core.TaskFailed, h.task(t, "tb").Status, "tb is blocked by ta")

	sub := h.subscribe(t, action.ID)
	require.NoError(t, h.mgr.Retry(context.Background(), action.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))

	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
	assert.Equal(t, core.TaskCompleted, h.task(t, "ta").Status)
	assert.Equal(t, core.TaskCompleted, h.task(t, "tb").Status)

	evs := drain(sub)
	var retryAttempt int
	for _, ev := range evs {
		if ev.Type == core.EventActionRetrying {
			retryAttempt = ev.Payload.(core.ActionRetryingPayload).Attempt
		}
	}
	assert.Equal(t, 1, retryAttempt)
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskRecovered, "ta"))
	assert.Equal(t, 1, countTaskEvents(evs, core.EventTaskRecovered, "tb"))
}

func TestRetryRequiresFailedAction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		return ok(req)
	}, nil)

	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "fine", AgentType: "general"})
	err := h.mgr.Retry(context.Background(), action.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed actions can be retried")

	h.runAndWait(t, action.ID)
	err = h.mgr.Retry(context.Background(), action.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed actions can be retried")
}

func TestRetryRewritesFailedTaskInPlace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.Prompt == "scrape the dashboard" {
			return nil, core.Permanentf("dashboard requires login")
		}
		return ok(req)
	}, func(cfg *runtime.Config) {
		cfg.MaxAttempts = 1
		cfg.Planner = newTestPlanner(scriptedReply{content: `{
			"tasks": [{"prompt": "query the export API instead", "agent_type": "general", "dependencies": []}],
			"reasoning": "the API needs no session"
		}`})
	})

	action := h.newAction(t,
		store.TaskSpec{ID: "t1", Prompt: "scrape the dashboard", AgentType: "general"},
		store.TaskSpec{ID: "t2", Prompt: "summarise", AgentType: "general", Dependencies: []string{"t1"}},
	)
	h.runAndWait(t, action.ID)
	require.Equal(t, core.ActionFailed, h.action(t, action.ID).Status)

	require.NoError(t, h.mgr.Retry(context.Background(), action.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))

	t1 := h.task(t, "t1")
	assert.Equal(t, "query the export API instead", t1.Prompt, "failed task rewritten in place")
	assert.Equal(t, core.TaskCompleted, t1.Status)
	assert.Equal(t, core.TaskCompleted, h.task(t, "t2").Status)
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
}

func TestRetryExpandsRecoveryIntoNewTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		if req.Task.Prompt == "one big step" {
			return nil, core.Permanentf("too much for one task")
		}
		return ok(req)
	}, func(cfg *runtime.Config) {
		cfg.MaxAttempts = 1
		cfg.Planner = newTestPlanner(scriptedReply{content: `{
			"tasks": [
				{"prompt": "first half", "agent_type": "general", "dependencies": []},
				{"prompt": "second half", "agent_type": "general", "dependencies": [0]}
			],
			"reasoning": "split the work"
		}`})
	})

	action := h.newAction(t,
		store.TaskSpec{ID: "t1", Prompt: "one big step", AgentType: "general"},
		store.TaskSpec{ID: "t2", Prompt: "consume", AgentType: "general", Dependencies: []string{"t1"}},
	)
	h.runAndWait(t, action.ID)
	require.Equal(t, core.ActionFailed, h.action(t, action.ID).Status)

	require.NoError(t, h.mgr.Retry(context.Background(), action.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))

	tasks, err := h.store.ListTasks(context.Background(), action.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	t1 := h.task(t, "t1")
	assert.Equal(t, "first half", t1.Prompt)

	var tail *core.Task
	for _, task := range tasks {
		if task.Prompt == "second half" {
			tail = task
		}
	}
	require.NotNil(t, tail)
	assert.Equal(t, []string{"t1"}, tail.Dependencies)

	// The old consumer now reads the tail of the replacement chain.
	t2 := h.task(t, "t2")
	assert.Equal(t, []string{tail.ID}, t2.Dependencies)

	for _, task := range tasks {
		assert.Equal(t, core.TaskCompleted, task.Status, "task %s", task.ID)
	}
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
}

func TestRetryFallsBackWhenRecoveryPlanningFails(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	h := newHarness(t, func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, core.Permanentf("flaky tooling")
		}
		return ok(req)
	}, func(cfg *runtime.Config) {
		cfg.MaxAttempts = 1
		cfg.Planner = newTestPlanner(scriptedReply{err: errors.New("model unavailable")})
	})

	action := h.newAction(t, store.TaskSpec{ID: "t1", Prompt: "fragile", AgentType: "general"})
	h.runAndWait(t, action.ID)
	require.Equal(t, core.ActionFailed, h.action(t, action.ID).Status)

	require.NoError(t, h.mgr.Retry(context.Background(), action.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Wait(ctx, action.ID))

	// The prompt stays as written; the rerun alone recovers the action.
	t1 := h.task(t, "t1")
	assert.Equal(t, "fragile", t1.Prompt)
	assert.Equal(t, core.TaskCompleted, t1.Status)
	assert.Equal(t, core.ActionCompleted, h.action(t, action.ID).Status)
}

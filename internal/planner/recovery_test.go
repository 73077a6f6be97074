package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/core"
)

func TestRecover(t *testing.T) {
	t.Parallel()

	p, client := newTestPlanner(t, Options{}, reply{content: `{
	  "tasks":[
	    {"prompt":"Fetch the dataset from the mirror","agent_type":"data_retrieval","dependencies":[]},
	    {"prompt":"Summarise the mirrored dataset","agent_type":"general","dependencies":[0]}
	  ],
	  "reasoning":"The primary source is down, the mirror carries the same data."
	}`})

	action := &core.Action{ID: "a1", RootPrompt: "Write a market report"}
	failed := &core.Task{ID: "t1", Prompt: "Fetch the dataset", AgentType: "data_retrieval"}

	rec, err := p.Recover(context.Background(), action, failed, "connection refused", 0)
	require.NoError(t, err)
	require.Len(t, rec.Tasks, 2)
	assert.Equal(t, []int{0}, rec.Tasks[1].Dependencies)
	assert.Contains(t, rec.Reasoning, "mirror")

	require.Equal(t, 1, client.calls())
	req := client.request(0)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "Fetch the dataset")
	assert.Contains(t, req.Messages[0].Content, "connection refused")
	require.NotNil(t, req.JSONSchema)
	assert.Contains(t, req.JSONSchema.Required, "reasoning")
}

func TestRecoverAttemptCap(t *testing.T) {
	t.Parallel()

	p, client := newTestPlanner(t, Options{})
	action := &core.Action{ID: "a1", RootPrompt: "goal"}
	failed := &core.Task{ID: "t1", Prompt: "work", AgentType: "general"}

	_, err := p.Recover(context.Background(), action, failed, "boom", MaxRecoveryAttempts)
	require.ErrorIs(t, err, ErrRecoveryExhausted)
	assert.Zero(t, client.calls())
}

func TestRecoverRejectsOversizedPlan(t *testing.T) {
	t.Parallel()

	oversized := reply{content: `{
	  "tasks":[
	    {"prompt":"a","agent_type":"general","dependencies":[]},
	    {"prompt":"b","agent_type":"general","dependencies":[]},
	    {"prompt":"c","agent_type":"general","dependencies":[]},
	    {"prompt":"d","agent_type":"general","dependencies":[]}
	  ],
	  "reasoning":"split it up"
	}`}
	p, client := newTestPlanner(t, Options{}, oversized, oversized, oversized)

	action := &core.Action{ID: "a1", RootPrompt: "goal"}
	failed := &core.Task{ID: "t1", Prompt: "work", AgentType: "general"}

	_, err := p.Recover(context.Background(), action, failed, "boom", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 3")
	assert.Equal(t, 3, client.calls(), "no fallback for recovery plans")
}

package core_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/core"
)

func TestActionStatusString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status core.ActionStatus
		want   string
	}{
		{core.ActionDraft, "draft"},
		{core.ActionRunning, "running"},
		{core.ActionCompleted, "completed"},
		{core.ActionFailed, "failed"},
		{core.ActionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestActionStatusJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(core.ActionRunning)
	require.NoError(t, err)
	assert.Equal(t, `"running"`, string(data))

	var s core.ActionStatus
	require.NoError(t, json.Unmarshal([]byte(`"failed"`), &s))
	assert.Equal(t, core.ActionFailed, s)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}

func TestTaskStatusJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(core.TaskPending)
	require.NoError(t, err)
	assert.Equal(t, `"pending"`, string(data))

	var s core.TaskStatus
	require.NoError(t, json.Unmarshal([]byte(`"completed"`), &s))
	assert.Equal(t, core.TaskCompleted, s)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	t.Run("AllowedEdges", func(t *testing.T) {
		allowed := []struct{ from, to core.TaskStatus }{
			{core.TaskPending, core.TaskRunning},
			{core.TaskPending, core.TaskFailed},
			{core.TaskRunning, core.TaskCompleted},
			{core.TaskRunning, core.TaskFailed},
			{core.TaskRunning, core.TaskPending},
			{core.TaskCompleted, core.TaskPending},
			{core.TaskFailed, core.TaskPending},
		}
		for _, tt := range allowed {
			assert.True(t, core.CanTransition(tt.from, tt.to),
				"%s -> %s should be allowed", tt.from, tt.to)
		}
	})

	t.Run("RejectedEdges", func(t *testing.T) {
		rejected := []struct{ from, to core.TaskStatus }{
			{core.TaskPending, core.TaskCompleted},
			{core.TaskCompleted, core.TaskRunning},
			{core.TaskCompleted, core.TaskFailed},
			{core.TaskFailed, core.TaskRunning},
			{core.TaskFailed, core.TaskCompleted},
		}
		for _, tt := range rejected {
			assert.False(t, core.CanTransition(tt.from, tt.to),
				"%s -> %s should be rejected", tt.from, tt.to)
		}
	})
}

func TestActionStatusOf(t *testing.T) {
	t.Parallel()

	task := func(s core.TaskStatus) *core.Task { return &core.Task{Status: s} }

	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, core.ActionDraft, core.ActionStatusOf(nil))
	})

	t.Run("AllCompleted", func(t *testing.T) {
		got := core.ActionStatusOf([]*core.Task{task(core.TaskCompleted), task(core.TaskCompleted)})
		assert.Equal(t, core.ActionCompleted, got)
	})

	t.Run("RunningWins", func(t *testing.T) {
		got := core.ActionStatusOf([]*core.Task{task(core.TaskFailed), task(core.TaskRunning)})
		assert.Equal(t, core.ActionRunning, got)
	})

	t.Run("FailedWithoutRunning", func(t *testing.T) {
		got := core.ActionStatusOf([]*core.Task{task(core.TaskFailed), task(core.TaskCompleted), task(core.TaskPending)})
		assert.Equal(t, core.ActionFailed, got)
	})

	t.Run("AllPending", func(t *testing.T) {
		got := core.ActionStatusOf([]*core.Task{task(core.TaskPending)})
		assert.Equal(t, core.ActionDraft, got)
	})
}

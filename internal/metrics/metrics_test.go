package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/store"
	"github.com/acto-org/acto/internal/store/memstore"
)

func gatherFamily(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestMetricsTaskLifecycle(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.TaskStarted("general")
	m.TaskStarted("report")
	m.TaskFinished("general", "completed", 2*time.Second)

	attempts := gatherFamily(t, registry, "acto_task_attempts_total")
	require.NotNil(t, attempts)
	assert.Len(t, attempts.GetMetric(), 2)

	running := gatherFamily(t, registry, "acto_tasks_running")
	require.NotNil(t, running)
	assert.Equal(t, float64(1), running.GetMetric()[0].GetGauge().GetValue())

	finished := gatherFamily(t, registry, "acto_tasks_finished_total")
	require.NotNil(t, finished)
	require.Len(t, finished.GetMetric(), 1)
	assert.Equal(t, "completed", labelValue(finished.GetMetric()[0], "outcome"))
	assert.Equal(t, float64(1), finished.GetMetric()[0].GetCounter().GetValue())

	duration := gatherFamily(t, registry, "acto_task_duration_seconds")
	require.NotNil(t, duration)
	assert.Equal(t, uint64(1), duration.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetricsActionLifecycle(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ActionStarted()
	m.ActionStarted()
	m.ActionFinished("completed")
	m.ActionFinished("failed")

	started := gatherFamily(t, registry, "acto_actions_started_total")
	require.NotNil(t, started)
	assert.Equal(t, float64(2), started.GetMetric()[0].GetCounter().GetValue())

	finished := gatherFamily(t, registry, "acto_actions_finished_total")
	require.NotNil(t, finished)
	assert.Len(t, finished.GetMetric(), 2)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskStarted("general")
		m.TaskFinished("general", "completed", time.Second)
		m.ActionStarted()
		m.ActionFinished("failed")
	})
}

func TestCollector(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memstore.New()

	running, err := st.CreateAction(ctx, store.ActionSpec{Title: "a", RootPrompt: "a"})
	require.NoError(t, err)
	require.NoError(t, st.SetActionStatus(ctx, running.ID, core.ActionRunning))
	_, err = st.CreateAction(ctx, store.ActionSpec{Title: "b", RootPrompt: "b"})
	require.NoError(t, err)
	_, err = st.CreateAction(ctx, store.ActionSpec{Title: "c", RootPrompt: "c"})
	require.NoError(t, err)

	registry := NewRegistry(NewCollector("1.2.3", st))

	info := gatherFamily(t, registry, "acto_info")
	require.NotNil(t, info)
	assert.Equal(t, "1.2.3", labelValue(info.GetMetric()[0], "version"))

	uptime := gatherFamily(t, registry, "acto_uptime_seconds")
	require.NotNil(t, uptime)

	actions := gatherFamily(t, registry, "acto_actions")
	require.NotNil(t, actions)
	counts := make(map[string]float64)
	for _, m := range actions.GetMetric() {
		counts[labelValue(m, "status")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, float64(1), counts[core.ActionRunning.String()])
	assert.Equal(t, float64(2), counts[core.ActionDraft.String()])

	goMetrics := gatherFamily(t, registry, "go_goroutines")
	assert.NotNil(t, goMetrics, "runtime collectors registered")
}

package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/acto-org/acto/internal/store"
)

// Collector reports build info, uptime, and action counts by status at scrape
// time. It implements prometheus.Collector.
type Collector struct {
	startTime time.Time
	version   string
	store     store.Store

	infoDesc    *prometheus.Desc
	uptimeDesc  *prometheus.Desc
	actionsDesc *prometheus.Desc
}

// NewCollector creates a collector backed by the given store.
func NewCollector(version string, st store.Store) *Collector {
	return &Collector{
		startTime: time.Now(),
		version:   version,
		store:     st,

		infoDesc: prometheus.NewDesc(
			"acto_info",
			"Acto build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"acto_uptime_seconds",
			"Time since server start",
			nil,
			nil,
		),
		actionsDesc: prometheus.NewDesc(
			"acto_actions",
			"Number of actions by status",
			[]string{"status"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.actionsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	// Bound store access so a slow backend cannot hang the scrape.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(
		c.infoDesc,
		prometheus.GaugeValue,
		1,
		c.version,
		runtime.Version(),
	)
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc,
		prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)

	c.collectActions(ctx, ch)
}

func (c *Collector) collectActions(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.store == nil {
		return
	}
	actions, err := c.store.ListActions(ctx, store.ActionFilter{})
	if err != nil {
		return
	}

	counts := make(map[string]float64)
	for _, action := range actions {
		counts[action.Status.String()]++
	}
	for status, count := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.actionsDesc,
			prometheus.GaugeValue,
			count,
			status,
		)
	}
}

// NewRegistry creates a Prometheus registry with the collector and the Go
// runtime collectors registered.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

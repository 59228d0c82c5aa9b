// Package metrics defines the Prometheus collectors for stage runs,
// clustering passes and embedding calls, and serves them for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hurttlocker/dornt/internal/stage"
)

// Metrics holds all collectors. It satisfies cluster.Recorder,
// stage.Observer and embed.Observer.
type Metrics struct {
	StageRunsTotal            *prometheus.CounterVec
	StageDuration             *prometheus.HistogramVec
	LockContentionTotal       *prometheus.CounterVec
	ItemsAssignedTotal        prometheus.Counter
	ClustersCreatedTotal      prometheus.Counter
	OrphanItemsTotal          prometheus.Counter
	ClustersMergedTotal       prometheus.Counter
	ClustersTransitionedTotal *prometheus.CounterVec
	EmbedRequestsTotal        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dornt_stage_runs_total",
				Help: "Stage runs by stage and outcome (completed, failed, skipped).",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dornt_stage_duration_seconds",
				Help:    "Wall time of stage runs that acquired the lock.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
			},
			[]string{"stage"},
		),
		LockContentionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dornt_stage_lock_contention_total",
				Help: "Runs skipped because the stage lock was held.",
			},
			[]string{"stage"},
		),
		ItemsAssignedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dornt_items_assigned_total",
				Help: "Items placed into a cluster.",
			},
		),
		ClustersCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dornt_clusters_created_total",
				Help: "Clusters formed from new items.",
			},
		),
		OrphanItemsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dornt_orphan_items_total",
				Help: "Items left unclustered by a pass.",
			},
		),
		ClustersMergedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dornt_clusters_merged_total",
				Help: "Clusters absorbed by near-duplicate merging.",
			},
		),
		ClustersTransitionedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dornt_clusters_transitioned_total",
				Help: "Lifecycle status transitions by target status.",
			},
			[]string{"to"},
		),
		EmbedRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dornt_embed_requests_total",
				Help: "Embedding API requests by status (ok, error, retry).",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.StageRunsTotal,
		m.StageDuration,
		m.LockContentionTotal,
		m.ItemsAssignedTotal,
		m.ClustersCreatedTotal,
		m.OrphanItemsTotal,
		m.ClustersMergedTotal,
		m.ClustersTransitionedTotal,
		m.EmbedRequestsTotal,
	)
	return m
}

// StageFinished records a stage run.
func (m *Metrics) StageFinished(r stage.Result) {
	m.StageRunsTotal.WithLabelValues(string(r.Stage), string(r.Outcome)).Inc()
	if r.Outcome == stage.OutcomeSkipped {
		m.LockContentionTotal.WithLabelValues(string(r.Stage)).Inc()
		return
	}
	m.StageDuration.WithLabelValues(string(r.Stage)).Observe(r.Duration.Seconds())
}

func (m *Metrics) ItemsAssigned(n int)   { m.ItemsAssignedTotal.Add(float64(n)) }
func (m *Metrics) ClustersCreated(n int) { m.ClustersCreatedTotal.Add(float64(n)) }
func (m *Metrics) OrphanItems(n int)     { m.OrphanItemsTotal.Add(float64(n)) }
func (m *Metrics) ClustersMerged(n int)  { m.ClustersMergedTotal.Add(float64(n)) }

func (m *Metrics) ClustersTransitioned(to string, n int) {
	m.ClustersTransitionedTotal.WithLabelValues(to).Add(float64(n))
}

// EmbedRequest counts one embedding API call by status.
func (m *Metrics) EmbedRequest(status string) {
	m.EmbedRequestsTotal.WithLabelValues(status).Inc()
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/hurttlocker/dornt/internal/stage"
)

func TestStageFinished(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StageFinished(stage.Result{Stage: stage.Cluster, Outcome: stage.OutcomeCompleted, Duration: 2 * time.Second})
	m.StageFinished(stage.Result{Stage: stage.Cluster, Outcome: stage.OutcomeFailed, Duration: time.Second})
	m.StageFinished(stage.Result{Stage: stage.Cluster, Outcome: stage.OutcomeSkipped})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRunsTotal.WithLabelValues("cluster", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRunsTotal.WithLabelValues("cluster", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRunsTotal.WithLabelValues("cluster", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockContentionTotal.WithLabelValues("cluster")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestClusteringCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ItemsAssigned(7)
	m.ClustersCreated(2)
	m.OrphanItems(3)
	m.ClustersMerged(1)
	m.ClustersTransitioned("stale", 4)
	m.EmbedRequest("ok")
	m.EmbedRequest("ok")

	assert.Equal(t, 7.0, testutil.ToFloat64(m.ItemsAssignedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClustersCreatedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OrphanItemsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClustersMergedTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ClustersTransitionedTotal.WithLabelValues("stale")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EmbedRequestsTotal.WithLabelValues("ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ClustersCreated(1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dornt_clusters_created_total 1"))
}

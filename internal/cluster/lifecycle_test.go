package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func seedLifecycle(t *testing.T, f *engineFixture) {
	t.Helper()
	ctx := context.Background()
	fresh := existing("fresh", t0.Add(-2*day), "a")
	idle := existing("idle", t0.Add(-8*day), "b")
	stale := existing("stale", t0.Add(-12*day), "c")
	stale.Status = StatusStale
	ancient := existing("ancient", t0.Add(-45*day), "d")
	for _, c := range []*Cluster{fresh, idle, stale, ancient} {
		require.NoError(t, f.repo.Save(ctx, c))
	}
	require.NoError(t, f.centroids.Save(ctx, indexWith(map[string][]float32{
		"fresh": near1, "idle": other, "stale": far, "ancient": {-1, 0, 0},
	})))
}

func TestLifecycleDryRunNoWrites(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	seedLifecycle(t, f)
	lc := NewLifecycle(f.repo, f.centroids, LifecyclePolicy{}, f.rec, f.clock.Now, zerolog.Nop())

	report, err := lc.Sweep(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 0, report.Applied)
	require.Len(t, report.Actions, 2)
	// Clusters are visited oldest first.
	assert.Equal(t, "ancient", report.Actions[0].ClusterID)
	assert.Equal(t, StatusArchived, report.Actions[0].ToState)
	assert.Equal(t, StatusActive, report.Actions[0].FromState)
	assert.Equal(t, "idle", report.Actions[1].ClusterID)
	assert.Equal(t, StatusStale, report.Actions[1].ToState)
	for _, a := range report.Actions {
		assert.False(t, a.Applied)
	}

	got, _, err := f.repo.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestLifecycleApply(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	seedLifecycle(t, f)
	lc := NewLifecycle(f.repo, f.centroids, LifecyclePolicy{StaleAfter: 7 * day, ArchiveAfter: 30 * day}, f.rec, f.clock.Now, zerolog.Nop())

	report, err := lc.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	idle, _, err := f.repo.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, StatusStale, idle.Status)

	active, err := f.repo.LoadActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3, "archived clusters are excluded from loads")

	ix, err := f.centroids.Load(ctx)
	require.NoError(t, err)
	_, ok := ix.Get("ancient")
	assert.False(t, ok, "archiving drops the centroid")
	_, ok = ix.Get("idle")
	assert.True(t, ok, "stale clusters remain candidates")

	assert.Equal(t, map[string]int{"stale": 1, "archived": 1}, f.rec.transitioned)

	// A second sweep has nothing left to do.
	report, err = lc.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
}

func TestLifecycleStaleClusterReactivatesOnJoin(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	seedLifecycle(t, f)
	lc := NewLifecycle(f.repo, f.centroids, LifecyclePolicy{}, nil, f.clock.Now, zerolog.Nop())
	_, err := lc.Sweep(ctx, false)
	require.NoError(t, err)

	_, err = f.engine.Run(ctx, []Item{{ID: "late", Embedding: other}}, nil)
	require.NoError(t, err)

	idle, _, err := f.repo.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, idle.Status)
	assert.Contains(t, idle.ArticleIDs, "late")
}

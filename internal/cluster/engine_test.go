package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/dornt/internal/centroid"
	"github.com/hurttlocker/dornt/internal/kv"
)

type countingRecorder struct {
	assigned, created, orphans, merged int
	transitioned                       map[string]int
}

func (r *countingRecorder) ItemsAssigned(n int)   { r.assigned += n }
func (r *countingRecorder) ClustersCreated(n int) { r.created += n }
func (r *countingRecorder) OrphanItems(n int)     { r.orphans += n }
func (r *countingRecorder) ClustersMerged(n int)  { r.merged += n }
func (r *countingRecorder) ClustersTransitioned(to string, n int) {
	if r.transitioned == nil {
		r.transitioned = map[string]int{}
	}
	r.transitioned[to] += n
}

type engineFixture struct {
	store     *kv.Memory
	repo      *Repository
	centroids *centroid.Store
	engine    *Engine
	rec       *countingRecorder
	clock     *fakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{store: kv.NewMemory(), rec: &countingRecorder{}, clock: &fakeClock{now: t0}}
	f.repo = NewRepository(f.store, zerolog.Nop())
	f.centroids = centroid.NewStore(f.store, nil, zerolog.Nop())
	f.engine = NewEngine(f.repo, f.centroids,
		newTestAssigner(t, f.clock), newTestMerger(f.clock), f.rec, zerolog.Nop())
	return f
}

func TestEnginePersistsPass(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	items := []Item{
		{ID: "i1", Embedding: near1},
		{ID: "i2", Embedding: near2},
		{ID: "i3", Embedding: near3},
		{ID: "lonely", Embedding: far},
	}
	res, err := f.engine.Run(ctx, items, SourceMap{"i1": "ap"})
	require.NoError(t, err)
	require.Len(t, res.Assign.Created, 1)
	id := res.Assign.Created[0].ID

	stored, found, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"i1", "i2", "i3"}, stored.ArticleIDs)
	assert.NotEmpty(t, stored.Centroid)

	ix, err := f.centroids.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ix.IDs())

	assert.Equal(t, 3, f.rec.assigned)
	assert.Equal(t, 1, f.rec.created)
	assert.Equal(t, 1, f.rec.orphans)

	// The orphan joins nothing on its own, but a second pass with company
	// forms a cluster.
	f.clock.Advance(time.Hour)
	res, err = f.engine.Run(ctx, []Item{
		{ID: "lonely", Embedding: far},
		{ID: "f2", Embedding: []float32{0, 0.3, 0.95}},
		{ID: "f3", Embedding: []float32{0, -0.3, 0.95}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Assign.Created, 1)

	all, err := f.repo.LoadActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEngineMergesAcrossStoredClusters(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	a := existing("A", t0, "a1", "a2", "a3", "a4", "a5")
	b := existing("B", t0.Add(time.Minute), "b1", "b2")
	require.NoError(t, f.repo.Save(ctx, a))
	require.NoError(t, f.repo.Save(ctx, b))
	require.NoError(t, f.centroids.Save(ctx, indexWith(map[string][]float32{"A": near1, "B": near1})))

	res, err := f.engine.Run(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Merge.Absorbed, 1)

	_, found, err := f.repo.Get(ctx, "B")
	require.NoError(t, err)
	assert.False(t, found, "absorbed record is deleted")

	got, found, err := f.repo.Get(ctx, "A")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, got.ArticleCount)

	ix, err := f.centroids.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ix.IDs())
	assert.Equal(t, 1, f.rec.merged)
}

// Three items on a 44 degree cone around (1,0,0): each misses the stored
// cluster at 0.72, but their mean lands within the merge threshold of it.
var (
	cone1 = []float32{0.71934, 0.69466, 0}
	cone2 = []float32{0.71934, 0.29358, 0.62958}
	cone3 = []float32{0.71934, 0.29358, -0.62958}
)

func TestEngineTitlesNewClusterBeforeMerge(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	old := existing("old", t0.Add(-time.Hour), "o1", "o2")
	old.Title = "Existing headline"
	require.NoError(t, f.repo.Save(ctx, old))
	require.NoError(t, f.centroids.Save(ctx, indexWith(map[string][]float32{"old": near1})))

	res, err := f.engine.Run(ctx, []Item{
		{ID: "n1", Title: "Bigger story", Embedding: cone1},
		{ID: "n2", Title: "Bigger story, part two", Embedding: cone2},
		{ID: "n3", Embedding: cone3},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Assign.Created, 1)
	require.Len(t, res.Merge.Absorbed, 1)
	assert.Equal(t, "old", res.Merge.Absorbed[0].Into)

	got, found, err := f.repo.Get(ctx, "old")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, got.ArticleCount)
	assert.Equal(t, "Bigger story", got.Title, "larger cluster's title wins")
}

func TestEngineUntitledNewClusterKeepsSurvivorTitle(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	old := existing("old", t0.Add(-time.Hour), "o1", "o2")
	old.Title = "Existing headline"
	require.NoError(t, f.repo.Save(ctx, old))
	require.NoError(t, f.centroids.Save(ctx, indexWith(map[string][]float32{"old": near1})))

	_, err := f.engine.Run(ctx, []Item{
		{ID: "n1", Embedding: cone1},
		{ID: "n2", Embedding: cone2},
		{ID: "n3", Embedding: cone3},
	}, nil)
	require.NoError(t, err)

	got, _, err := f.repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "Existing headline", got.Title)
}

func TestEngineConcurrentIndexWriterFailsPass(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	// Another writer bumps the index between our load and save.
	wrapped := &interferingStore{Memory: f.store}
	f.centroids = centroid.NewStore(wrapped, nil, zerolog.Nop())
	f.engine.centroids = f.centroids

	_, err := f.engine.Run(ctx, []Item{{ID: "i1", Embedding: near1}, {ID: "i2", Embedding: near1}, {ID: "i3", Embedding: near1}}, nil)
	assert.ErrorIs(t, err, centroid.ErrConcurrentUpdate)
}

// interferingStore writes the centroid key once right after it is first read.
type interferingStore struct {
	*kv.Memory
	done bool
}

func (s *interferingStore) Get(ctx context.Context, key string) (kv.Record, bool, error) {
	rec, found, err := s.Memory.Get(ctx, key)
	if key == centroid.Key && !s.done {
		s.done = true
		if _, perr := s.Memory.Put(ctx, key, []byte(`{"centroids":{}}`)); perr != nil {
			return rec, found, perr
		}
	}
	return rec, found, err
}

package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/dornt/internal/config"
	"github.com/hurttlocker/dornt/internal/kv/sqlitekv"
	"github.com/hurttlocker/dornt/internal/pipeline"
	"github.com/hurttlocker/dornt/internal/stage"
)

type fixedEmbedder map[string][]float32

func (f fixedEmbedder) EmbedAll(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f[t]
	}
	return out, nil
}

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Backend: config.BackendMemory}
	cfg.Embed.APIKey = ""
	cfg.Embed.Provider = "custom"
	return cfg
}

func TestNewRunsClusterStage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	emb := fixedEmbedder{
		"A\n\n": {1, 0, 0},
		"B\n\n": {0.95, 0.05, 0},
		"C\n\n": {0.9, 0.1, 0},
	}
	a, err := New(ctx, memoryConfig(), zerolog.Nop(), WithEmbedder(emb), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, a.Pending.Enqueue(ctx, pipeline.Item{ID: id, Title: id, Source: "src-" + id}))
	}
	res, err := a.Coordinator.Run(ctx, stage.Cluster)
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)

	clusters, err := a.Clusters.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].SourceCount)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.Metrics.ItemsAssignedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.ClustersCreatedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.StageRunsTotal.WithLabelValues("cluster", "completed")))
}

func TestNewWithoutEmbedderFailsOnUnembeddedItems(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.NoError(t, a.Pending.Enqueue(ctx, pipeline.Item{ID: "x", Title: "x"}))
	res, err := a.Coordinator.Run(ctx, stage.Cluster)
	require.NoError(t, err)
	assert.Equal(t, stage.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, pipeline.ErrNoEmbedder.Error())
}

func TestNewUsesSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Storage = config.StorageConfig{Backend: config.BackendSQLite, DSN: filepath.Join(t.TempDir(), "dornt.db")}

	a, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	_, isSQLite := a.Store.(*sqlitekv.Store)
	assert.True(t, isSQLite)

	res, err := a.Coordinator.Run(ctx, stage.Ingest)
	require.NoError(t, err)
	assert.Equal(t, "no handler registered for stage ingest", res.Error)
	require.NoError(t, a.Close(ctx))

	// State survives reopening.
	b, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close(ctx)
	st, err := b.States.Get(ctx, stage.Ingest)
	require.NoError(t, err)
	assert.Equal(t, stage.StatusFailed, st.Status)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StorageConfig{Backend: "etcd"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRedisConfig(t *testing.T) {
	rc, err := redisConfig(config.StorageConfig{DSN: "localhost:6379", Prefix: "dornt:"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", rc.Addr)
	assert.Equal(t, "dornt:", rc.Prefix)

	rc, err = redisConfig(config.StorageConfig{DSN: "redis://:s3cret@cache:6380/2"})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", rc.Addr)
	assert.Equal(t, "s3cret", rc.Password)
	assert.Equal(t, 2, rc.DB)

	_, err = redisConfig(config.StorageConfig{DSN: "redis://cache:6380/notanumber"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestGCSConfig(t *testing.T) {
	gc := gcsConfig(config.StorageConfig{DSN: "gs://news-bucket/pipeline", EmulatorHost: "http://localhost:4443"})
	assert.Equal(t, "news-bucket", gc.Bucket)
	assert.Equal(t, "pipeline", gc.Prefix)
	assert.Equal(t, "http://localhost:4443", gc.EmulatorHost)

	gc = gcsConfig(config.StorageConfig{DSN: "gs://news-bucket/pipeline", Prefix: "override/"})
	assert.Equal(t, "override/", gc.Prefix)

	gc = gcsConfig(config.StorageConfig{DSN: "plain-bucket"})
	assert.Equal(t, "plain-bucket", gc.Bucket)
	assert.Empty(t, gc.Prefix)
}

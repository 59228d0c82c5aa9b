// Package app wires configuration to the clustering engine, the stage
// runner and their storage, metrics and event sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/centroid"
	"github.com/hurttlocker/dornt/internal/cluster"
	"github.com/hurttlocker/dornt/internal/config"
	"github.com/hurttlocker/dornt/internal/embed"
	"github.com/hurttlocker/dornt/internal/events"
	"github.com/hurttlocker/dornt/internal/kv"
	"github.com/hurttlocker/dornt/internal/metrics"
	"github.com/hurttlocker/dornt/internal/pipeline"
	"github.com/hurttlocker/dornt/internal/ratelimit"
	"github.com/hurttlocker/dornt/internal/stage"
)

// App holds every wired component for one process.
type App struct {
	Config      config.Config
	Store       kv.Store
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Clusters    *cluster.Repository
	Centroids   *centroid.Store
	Engine      *cluster.Engine
	Lifecycle   *cluster.Lifecycle
	Sweeper     *pipeline.Sweeper
	Pending     *pipeline.PendingStore
	Locker      *stage.Locker
	States      *stage.StateStore
	Coordinator *pipeline.Coordinator

	publisher   events.Publisher
	stopMetrics func(context.Context) error
	log         zerolog.Logger
}

type options struct {
	store    kv.Store
	embedder pipeline.BatchEmbedder
	now      func() time.Time
}

// Option overrides a wired component, mostly for tests.
type Option func(*options)

// WithStore uses s instead of opening the configured backend. The App
// still closes it.
func WithStore(s kv.Store) Option { return func(o *options) { o.store = s } }

// WithEmbedder replaces the HTTP embedding client.
func WithEmbedder(e pipeline.BatchEmbedder) Option { return func(o *options) { o.embedder = e } }

// WithClock replaces time.Now everywhere.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds an App from cfg. Close releases what it opened.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, log: log, Registry: prometheus.NewRegistry()}
	a.Metrics = metrics.New(a.Registry)

	a.Store = o.store
	if a.Store == nil {
		s, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
		}
		a.Store = s
	}

	policy, err := centroid.ParsePolicy(cfg.Clustering.CentroidPolicy)
	if err != nil {
		_ = a.Store.Close()
		return nil, err
	}
	cl := cfg.Clustering
	a.Clusters = cluster.NewRepository(a.Store, log)
	a.Centroids = centroid.NewStore(a.Store, policy, log)
	a.Engine = cluster.NewEngine(a.Clusters, a.Centroids,
		cluster.NewAssigner(cluster.AssignConfig{
			Threshold:      cl.AssignThreshold,
			MinClusterSize: cl.MinClusterSize,
			TopSources:     cl.TopSources,
			Now:            o.now,
		}, log),
		cluster.NewMerger(cluster.MergeConfig{
			Threshold:      cl.MergeThreshold,
			MinClusterSize: cl.MinClusterSize,
			TopSources:     cl.TopSources,
			Now:            o.now,
		}, log),
		a.Metrics, log)
	a.Lifecycle = cluster.NewLifecycle(a.Clusters, a.Centroids,
		cluster.LifecyclePolicy{StaleAfter: cl.StaleAfter, ArchiveAfter: cl.ArchiveAfter},
		a.Metrics, o.now, log)
	a.Pending = pipeline.NewPendingStore(a.Store, o.now, log)

	a.Locker = stage.NewLocker(a.Store, stage.LockConfig{Timeout: cfg.Lock.Timeout, Now: o.now}, log)
	a.States = stage.NewStateStore(a.Store, a.Locker, o.now, log)
	a.Sweeper = pipeline.NewSweeper(a.Locker, a.Lifecycle, log)

	a.publisher = events.Publisher(events.Nop{})
	if len(cfg.Events.Brokers) > 0 {
		p, err := events.NewKafka(events.KafkaConfig{Brokers: cfg.Events.Brokers, Topic: cfg.Events.Topic}, log)
		if err != nil {
			_ = a.Store.Close()
			return nil, err
		}
		a.publisher = p
	}

	runner := stage.NewRunner(a.Locker, a.States, o.now, log, a.Metrics)
	a.Coordinator = pipeline.NewCoordinator(runner, a.publisher, log)

	embedder := o.embedder
	if embedder == nil {
		embedder = a.newEmbedder()
	}
	clusterStage := pipeline.NewClusterStage(a.Pending, embedder, a.Engine, a.Lifecycle, log)
	if err := a.Coordinator.Register(stage.Cluster, clusterStage.Handler()); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// newEmbedder builds the HTTP client, or returns nil when no provider is
// usable; items must then arrive with embeddings.
func (a *App) newEmbedder() pipeline.BatchEmbedder {
	ec := a.Config.Embed
	client, err := embed.NewClient(embed.Config{
		Provider:   ec.Provider,
		Model:      ec.Model,
		Endpoint:   ec.Endpoint,
		APIKey:     ec.APIKey,
		MaxRetries: ec.MaxRetries,
	}, a.log,
		embed.WithLimiter(ratelimit.PerMinute(ec.RequestsPerMinute)),
		embed.WithObserver(a.Metrics),
	)
	if err != nil {
		a.log.Warn().Err(err).Msg("embedding disabled")
		return nil
	}
	return embed.NewBatcher(client, ec.BatchSize, ec.Concurrency)
}

// StartMetrics serves the registry when metrics are enabled.
func (a *App) StartMetrics() {
	if !a.Config.Metrics.Enabled || a.stopMetrics != nil {
		return
	}
	a.stopMetrics = metrics.StartServer(a.Config.Metrics.Addr, a.Registry, a.log)
}

// Close stops the metrics server and closes the event sink and store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.stopMetrics != nil {
		errs = append(errs, a.stopMetrics(ctx))
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

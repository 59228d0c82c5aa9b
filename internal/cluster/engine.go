package cluster

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/centroid"
)

// PassResult is the outcome of one clustering pass.
type PassResult struct {
	Assign *AssignResult
	Merge  *MergeResult
}

// Engine runs full clustering passes against persisted state: load,
// assign, persist, merge, persist. Callers must not run two passes over
// the same storage concurrently; the cluster stage lock guarantees that.
type Engine struct {
	repo      *Repository
	centroids *centroid.Store
	assigner  *Assigner
	merger    *Merger
	recorder  Recorder
	log       zerolog.Logger
}

// NewEngine wires an Engine. A nil recorder discards counters.
func NewEngine(repo *Repository, centroids *centroid.Store, a *Assigner, m *Merger, rec Recorder, log zerolog.Logger) *Engine {
	if rec == nil {
		rec = NopRecorder{}
	}
	return &Engine{
		repo:      repo,
		centroids: centroids,
		assigner:  a,
		merger:    m,
		recorder:  rec,
		log:       log.With().Str("component", "cluster-engine").Logger(),
	}
}

// Run assigns items, persists the touched clusters and the centroid index,
// then merges near-duplicates across every non-archived cluster.
func (e *Engine) Run(ctx context.Context, items []Item, sources SourceLookup) (*PassResult, error) {
	clusters, err := e.repo.LoadActive(ctx)
	if err != nil {
		return nil, err
	}
	ix, err := e.centroids.Load(ctx)
	if err != nil {
		return nil, err
	}

	ar, err := e.assigner.Assign(items, clusters, ix, sources)
	if err != nil {
		return nil, fmt.Errorf("assigning items: %w", err)
	}
	for _, c := range append(append([]*Cluster(nil), ar.Updated...), ar.Created...) {
		if err := e.save(ctx, c, ix); err != nil {
			return nil, err
		}
	}
	if err := e.centroids.Save(ctx, ix); err != nil {
		return nil, err
	}
	e.recorder.ItemsAssigned(len(ar.Assigned))
	e.recorder.ClustersCreated(len(ar.Created))
	e.recorder.OrphanItems(len(ar.Orphans))

	all := append(clusters, ar.Created...)
	mr, err := e.merger.Merge(all, ix)
	if err != nil {
		return nil, fmt.Errorf("merging clusters: %w", err)
	}
	if len(mr.Absorbed) > 0 {
		for _, c := range mr.Changed {
			if err := e.save(ctx, c, ix); err != nil {
				return nil, err
			}
		}
		for _, a := range mr.Absorbed {
			if err := e.repo.Delete(ctx, a.From); err != nil {
				return nil, err
			}
		}
		if err := e.centroids.Save(ctx, ix); err != nil {
			return nil, err
		}
		e.recorder.ClustersMerged(len(mr.Absorbed))
	}

	e.log.Info().
		Int("items", len(items)).
		Int("assigned", len(ar.Assigned)).
		Int("orphans", len(ar.Orphans)).
		Int("updated", len(ar.Updated)).
		Int("created", len(ar.Created)).
		Int("merged", len(mr.Absorbed)).
		Msg("clustering pass complete")
	return &PassResult{Assign: ar, Merge: mr}, nil
}

func (e *Engine) save(ctx context.Context, c *Cluster, ix *centroid.Index) error {
	if cen, ok := ix.Get(c.ID); ok {
		c.Centroid = cen
	}
	return e.repo.Save(ctx, c)
}

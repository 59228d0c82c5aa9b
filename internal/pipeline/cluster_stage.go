package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/cluster"
	"github.com/hurttlocker/dornt/internal/embed"
	"github.com/hurttlocker/dornt/internal/stage"
)

// ErrNoEmbedder is returned when pending items lack embeddings and no
// embedder is configured.
var ErrNoEmbedder = errors.New("items need embedding but no embedder is configured")

// BatchEmbedder embeds many texts, preserving order.
type BatchEmbedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// ClusterOutput is the cluster stage's report.
type ClusterOutput struct {
	Pending   int             `json:"pending"`
	Embedded  int             `json:"embedded"`
	Assigned  int             `json:"assigned"`
	Orphans   int             `json:"orphans"`
	Created   int             `json:"created"`
	Updated   int             `json:"updated"`
	Merged    int             `json:"merged"`
	Lifecycle *cluster.Report `json:"lifecycle,omitempty"`
}

// ClusterStage drains the pending feed into clusters.
type ClusterStage struct {
	pending   *PendingStore
	embedder  BatchEmbedder
	engine    *cluster.Engine
	lifecycle *cluster.Lifecycle
	log       zerolog.Logger
}

// NewClusterStage wires the stage. embedder may be nil when every item
// arrives with an embedding; lifecycle may be nil to skip the sweep.
func NewClusterStage(pending *PendingStore, embedder BatchEmbedder, engine *cluster.Engine, lifecycle *cluster.Lifecycle, log zerolog.Logger) *ClusterStage {
	return &ClusterStage{
		pending:   pending,
		embedder:  embedder,
		engine:    engine,
		lifecycle: lifecycle,
		log:       log.With().Str("component", "cluster-stage").Logger(),
	}
}

// Run embeds what is missing, runs one clustering pass, removes assigned
// items from the feed and sweeps idle clusters. Orphans stay pending.
func (s *ClusterStage) Run(ctx context.Context) (*ClusterOutput, error) {
	items, err := s.pending.List(ctx)
	if err != nil {
		return nil, err
	}
	out := &ClusterOutput{Pending: len(items)}

	embedded, err := s.embedMissing(ctx, items)
	if err != nil {
		return nil, err
	}
	out.Embedded = embedded

	if len(items) > 0 {
		batch := make([]cluster.Item, 0, len(items))
		sources := make(cluster.SourceMap, len(items))
		for _, it := range items {
			batch = append(batch, cluster.Item{ID: it.ID, Title: it.Title, Embedding: it.Embedding, SocialPostIDs: it.SocialPostIDs})
			if it.Source != "" {
				sources[it.ID] = it.Source
			}
		}

		res, err := s.engine.Run(ctx, batch, sources)
		if err != nil {
			return nil, err
		}
		if err := s.pending.Remove(ctx, res.Assign.Assigned); err != nil {
			return nil, err
		}
		out.Assigned = len(res.Assign.Assigned)
		out.Orphans = len(res.Assign.Orphans)
		out.Created = len(res.Assign.Created)
		out.Updated = len(res.Assign.Updated)
		out.Merged = len(res.Merge.Absorbed)
	}

	if s.lifecycle != nil {
		report, err := s.lifecycle.Sweep(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("lifecycle sweep: %w", err)
		}
		out.Lifecycle = report
	}
	return out, nil
}

// embedMissing fills and persists embeddings for items that lack one.
func (s *ClusterStage) embedMissing(ctx context.Context, items []Item) (int, error) {
	var idx []int
	var texts []string
	for i, it := range items {
		if len(it.Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, embed.PrepareText(it.Title, it.Text))
		}
	}
	if len(idx) == 0 {
		return 0, nil
	}
	if s.embedder == nil {
		return 0, fmt.Errorf("%d pending items: %w", len(idx), ErrNoEmbedder)
	}

	s.log.Info().Int("items", len(idx)).Msg("embedding pending items")
	vecs, err := s.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding pending items: %w", err)
	}
	for j, i := range idx {
		items[i].Embedding = vecs[j]
		if err := s.pending.Update(ctx, items[i]); err != nil {
			return 0, err
		}
	}
	return len(idx), nil
}

// Handler adapts the stage to the runner.
func (s *ClusterStage) Handler() stage.Handler {
	return func(ctx context.Context) (any, error) {
		out, err := s.Run(ctx)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

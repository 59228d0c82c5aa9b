package cluster

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/centroid"
	"github.com/hurttlocker/dornt/internal/vector"
)

// Defaults from the production pipeline.
const (
	DefaultAssignThreshold = 0.72
	DefaultMergeThreshold  = 0.85
	DefaultMinClusterSize  = 3
)

// AssignConfig tunes the assigner.
type AssignConfig struct {
	Threshold      float64
	MinClusterSize int
	TopSources     int
	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// AssignResult is the outcome of one assignment pass.
type AssignResult struct {
	// Updated holds pre-existing clusters that gained members.
	Updated []*Cluster
	// Created holds clusters formed in this pass.
	Created []*Cluster
	// Assigned lists item ids placed in a cluster, in processing order.
	Assigned []string
	// Orphans lists item ids left unclustered; they stay pending.
	Orphans []string
}

// Assigner places new items into clusters. It is greedy and depends on
// input order: items are processed in the order given and later items see
// the effect of earlier ones, including clusters created earlier in the
// same pass.
type Assigner struct {
	cfg AssignConfig
	log zerolog.Logger
}

// NewAssigner returns an Assigner, filling zero config values with defaults.
func NewAssigner(cfg AssignConfig, log zerolog.Logger) *Assigner {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAssignThreshold
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = DefaultMinClusterSize
	}
	if cfg.TopSources <= 0 {
		cfg.TopSources = DefaultTopSources
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Assigner{cfg: cfg, log: log.With().Str("component", "assigner").Logger()}
}

// Assign runs one pass over items. Clusters are mutated in place and ix
// receives every centroid change. Clusters without a centroid in ix are
// never candidates. A dimension mismatch aborts the pass.
func (a *Assigner) Assign(items []Item, clusters []*Cluster, ix *centroid.Index, sources SourceLookup) (*AssignResult, error) {
	if sources == nil {
		sources = SourceMap{}
	}
	res := &AssignResult{}
	candidates := append([]*Cluster(nil), clusters...)
	assigned := make(map[string]bool, len(items))
	updated := make(map[string]bool)
	created := make(map[string]bool)

	for i, item := range items {
		if assigned[item.ID] {
			continue
		}

		best, bestSim, err := a.bestMatch(item, candidates, ix)
		if err != nil {
			return nil, err
		}

		if best != nil {
			assigned[item.ID] = true
			res.Assigned = append(res.Assigned, item.ID)
			joined, err := a.join(best, item, ix, sources)
			if err != nil {
				return nil, err
			}
			if joined && !updated[best.ID] && !created[best.ID] {
				updated[best.ID] = true
				res.Updated = append(res.Updated, best)
			}
			a.log.Debug().Str("item", item.ID).Str("cluster", best.ID).Float64("similarity", bestSim).Msg("item assigned")
			continue
		}

		group, err := a.group(i, items, assigned)
		if err != nil {
			return nil, err
		}
		if len(group) < a.cfg.MinClusterSize {
			for _, g := range group {
				res.Orphans = append(res.Orphans, g.ID)
			}
			continue
		}

		c, err := a.create(group, ix, sources)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
		created[c.ID] = true
		res.Created = append(res.Created, c)
		for _, g := range group {
			res.Assigned = append(res.Assigned, g.ID)
		}
		a.log.Debug().Str("cluster", c.ID).Int("members", len(group)).Msg("cluster created")
	}
	return res, nil
}

// bestMatch returns the candidate with the strictly highest similarity at
// or above the threshold. The first candidate scanned wins ties.
func (a *Assigner) bestMatch(item Item, candidates []*Cluster, ix *centroid.Index) (*Cluster, float64, error) {
	var (
		best    *Cluster
		bestSim float64
	)
	for _, c := range candidates {
		cen, ok := ix.Get(c.ID)
		if !ok {
			continue
		}
		sim, err := vector.Cosine(item.Embedding, cen)
		if err != nil {
			return nil, 0, fmt.Errorf("comparing item %s with cluster %s: %w", item.ID, c.ID, err)
		}
		if sim < a.cfg.Threshold {
			continue
		}
		if best == nil || sim > bestSim {
			best, bestSim = c, sim
		}
	}
	return best, bestSim, nil
}

// join adds item to c. Re-adding a member changes nothing and returns false.
func (a *Assigner) join(c *Cluster, item Item, ix *centroid.Index, sources SourceLookup) (bool, error) {
	if c.HasArticle(item.ID) {
		return false, nil
	}
	if err := ix.Update(c.ID, item.Embedding); err != nil {
		return false, fmt.Errorf("updating centroid of %s: %w", c.ID, err)
	}
	c.ArticleIDs = append(c.ArticleIDs, item.ID)
	if src, ok := sources.Source(item.ID); ok {
		if c.Sources == nil {
			c.Sources = make(map[string]string)
		}
		c.Sources[item.ID] = src
	}
	c.addSocialPosts(item.SocialPostIDs)
	c.UpdatedAt = a.cfg.Now().UTC()
	if c.Status == StatusStale {
		c.Status = StatusActive
	}
	c.refresh(a.cfg.TopSources, a.cfg.MinClusterSize)
	return true, nil
}

// group collects the unassigned items similar to the anchor items[anchor].
// Members are compared with the anchor only, never with each other. Every
// grouped item is marked assigned, even if the group ends up too small.
func (a *Assigner) group(anchor int, items []Item, assigned map[string]bool) ([]Item, error) {
	lead := items[anchor]
	group := []Item{lead}
	assigned[lead.ID] = true
	for _, other := range items[anchor+1:] {
		if assigned[other.ID] {
			continue
		}
		sim, err := vector.Cosine(lead.Embedding, other.Embedding)
		if err != nil {
			return nil, fmt.Errorf("comparing item %s with item %s: %w", lead.ID, other.ID, err)
		}
		if sim >= a.cfg.Threshold {
			group = append(group, other)
			assigned[other.ID] = true
		}
	}
	return group, nil
}

func (a *Assigner) create(group []Item, ix *centroid.Index, sources SourceLookup) (*Cluster, error) {
	embeddings := make([][]float32, len(group))
	for i, g := range group {
		embeddings[i] = g.Embedding
	}
	mean, err := vector.Mean(embeddings)
	if err != nil {
		return nil, fmt.Errorf("computing centroid: %w", err)
	}

	now := a.cfg.Now().UTC()
	c := &Cluster{
		ID:            a.cfg.NewID(),
		Title:         group[0].Title,
		ArticleIDs:    make([]string, 0, len(group)),
		SocialPostIDs: []string{},
		Sources:       make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusNew,
	}
	for _, g := range group {
		c.ArticleIDs = append(c.ArticleIDs, g.ID)
		if src, ok := sources.Source(g.ID); ok {
			c.Sources[g.ID] = src
		}
		c.addSocialPosts(g.SocialPostIDs)
	}
	c.refresh(a.cfg.TopSources, a.cfg.MinClusterSize)
	ix.Set(c.ID, mean, len(group))
	return c, nil
}

package cluster

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/centroid"
	"github.com/hurttlocker/dornt/internal/vector"
)

// MergeConfig tunes the merger.
type MergeConfig struct {
	// Threshold must be stricter than the assignment threshold, otherwise
	// assignment and merging disagree on what a topic is and clusters
	// oscillate between runs.
	Threshold      float64
	MinClusterSize int
	TopSources     int
	Now            func() time.Time
}

// Absorption records one merge.
type Absorption struct {
	Into       string  `json:"into"`
	From       string  `json:"from"`
	Similarity float64 `json:"similarity"`
}

// MergeResult is the outcome of one merge pass.
type MergeResult struct {
	// Survivors is every cluster left after the pass, in stable order.
	Survivors []*Cluster
	// Changed holds the survivors that absorbed at least one cluster.
	Changed  []*Cluster
	Absorbed []Absorption
}

// Merger consolidates near-duplicate clusters.
type Merger struct {
	cfg MergeConfig
	log zerolog.Logger
}

// NewMerger returns a Merger, filling zero config values with defaults.
func NewMerger(cfg MergeConfig, log zerolog.Logger) *Merger {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultMergeThreshold
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
	return &Merger{cfg: cfg, log: log.With().Str("component", "merger").Logger()}
}

// Merge runs one pass over clusters ordered by creation time, then id.
// Each surviving cluster is compared against every later one using its
// own centroid as loaded; absorbing a cluster does not move that centroid.
// Merges are therefore transitive within a pass only through the primary:
// if A absorbs B, a later C close to B but not to A stays separate until
// a future pass. Absorbed clusters are removed from ix.
func (m *Merger) Merge(clusters []*Cluster, ix *centroid.Index) (*MergeResult, error) {
	ordered := append([]*Cluster(nil), clusters...)
	sortStable(ordered)

	res := &MergeResult{}
	absorbed := make(map[string]bool)

	for i, primary := range ordered {
		if absorbed[primary.ID] {
			continue
		}
		res.Survivors = append(res.Survivors, primary)

		cenA, ok := ix.Get(primary.ID)
		if !ok {
			continue
		}

		changed := false
		for _, other := range ordered[i+1:] {
			if absorbed[other.ID] {
				continue
			}
			cenB, ok := ix.Get(other.ID)
			if !ok {
				continue
			}
			sim, err := vector.Cosine(cenA, cenB)
			if err != nil {
				return nil, fmt.Errorf("comparing cluster %s with %s: %w", primary.ID, other.ID, err)
			}
			if sim < m.cfg.Threshold {
				continue
			}

			m.absorb(primary, other)
			absorbed[other.ID] = true
			ix.Delete(other.ID)
			changed = true
			res.Absorbed = append(res.Absorbed, Absorption{Into: primary.ID, From: other.ID, Similarity: sim})
			m.log.Info().Str("into", primary.ID).Str("from", other.ID).Float64("similarity", sim).Msg("clusters merged")
		}
		if changed {
			res.Changed = append(res.Changed, primary)
		}
	}
	return res, nil
}

// absorb folds secondary into primary. The primary keeps its id; the
// title comes from the cluster with more articles, ties to the primary.
// An untitled secondary never blanks the primary's title. Importance is
// the larger of the two scores.
func (m *Merger) absorb(primary, secondary *Cluster) {
	if secondary.ArticleCount > primary.ArticleCount && secondary.Title != "" {
		primary.Title = secondary.Title
	}
	importance := max(primary.Importance, secondary.Importance)

	primary.ArticleIDs = union(primary.ArticleIDs, secondary.ArticleIDs)
	primary.SocialPostIDs = union(primary.SocialPostIDs, secondary.SocialPostIDs)
	for id, src := range secondary.Sources {
		if primary.Sources == nil {
			primary.Sources = make(map[string]string)
		}
		if _, ok := primary.Sources[id]; !ok {
			primary.Sources[id] = src
		}
	}
	primary.recount(m.cfg.TopSources)
	primary.Importance = importance
	primary.UpdatedAt = m.cfg.Now().UTC()
	if primary.Status == StatusStale {
		primary.Status = StatusActive
	}
	primary.promote(m.cfg.MinClusterSize)
}

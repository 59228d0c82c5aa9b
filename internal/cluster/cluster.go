// Package cluster implements incremental topic clustering: greedy
// assignment of new items to clusters by centroid similarity, a
// near-duplicate merge pass, and the staleness lifecycle of cluster records.
package cluster

import (
	"math"
	"sort"
	"time"
)

// Status is the lifecycle state of a cluster.
type Status string

const (
	StatusNew      Status = "new"
	StatusActive   Status = "active"
	StatusStale    Status = "stale"
	StatusArchived Status = "archived"
)

// DefaultTopSources is how many sources a cluster lists in TopSources.
const DefaultTopSources = 5

// Cluster is a persisted topic cluster.
type Cluster struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Summary       string   `json:"summary,omitempty"`
	ArticleIDs    []string `json:"articleIds"`
	SocialPostIDs []string `json:"socialPostIds"`
	// Sources maps member article id to its source label, so metadata can
	// be recomputed over every member and not only the current batch.
	Sources map[string]string `json:"sources,omitempty"`
	// Centroid is a snapshot of the index entry at the last write. The
	// centroid index stays authoritative.
	Centroid       []float32  `json:"centroid,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastAnalyzedAt *time.Time `json:"lastAnalyzedAt,omitempty"`
	ArticleCount   int        `json:"articleCount"`
	SourceCount    int        `json:"sourceCount"`
	TopSources     []string   `json:"topSources"`
	Importance     int        `json:"importance"`
	Status         Status     `json:"status"`
}

// Importance scores a cluster: min(100, round(3*articles + 10*sources)).
func Importance(articleCount, sourceCount int) int {
	score := math.Round(float64(3*articleCount + 10*sourceCount))
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return int(score)
}

// NeedsAnalysis reports whether the cluster was never analyzed or changed
// after its last analysis.
func (c *Cluster) NeedsAnalysis() bool {
	return c.LastAnalyzedAt == nil || c.UpdatedAt.After(*c.LastAnalyzedAt)
}

// HasArticle reports whether id is already a member.
func (c *Cluster) HasArticle(id string) bool {
	for _, a := range c.ArticleIDs {
		if a == id {
			return true
		}
	}
	return false
}

// recount derives ArticleCount, SourceCount and TopSources from the member
// list. Sources are tallied in member order so frequency ties keep the
// order in which each source was first seen.
func (c *Cluster) recount(topN int) {
	if topN <= 0 {
		topN = DefaultTopSources
	}
	c.ArticleCount = len(c.ArticleIDs)

	type tally struct {
		name  string
		count int
	}
	var order []*tally
	seen := make(map[string]*tally)
	for _, id := range c.ArticleIDs {
		src, ok := c.Sources[id]
		if !ok || src == "" {
			continue
		}
		t, ok := seen[src]
		if !ok {
			t = &tally{name: src}
			seen[src] = t
			order = append(order, t)
		}
		t.count++
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].count > order[j].count })

	c.SourceCount = len(order)
	if len(order) > topN {
		order = order[:topN]
	}
	c.TopSources = make([]string, 0, len(order))
	for _, t := range order {
		c.TopSources = append(c.TopSources, t.name)
	}
}

// promote applies the new -> active rule and reports whether it fired.
func (c *Cluster) promote(minClusterSize int) bool {
	if c.Status == StatusNew && c.ArticleCount >= minClusterSize {
		c.Status = StatusActive
		return true
	}
	return false
}

// refresh recomputes every derived field after a membership change.
func (c *Cluster) refresh(topN, minClusterSize int) {
	c.recount(topN)
	c.Importance = Importance(c.ArticleCount, c.SourceCount)
	c.promote(minClusterSize)
}

func (c *Cluster) addSocialPosts(ids []string) {
	c.SocialPostIDs = union(c.SocialPostIDs, ids)
}

// union appends the members of b missing from a, keeping first-seen order.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// sortStable orders clusters by creation time, then id.
func sortStable(clusters []*Cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SortByImportance orders clusters by importance, then most recently
// updated, then id.
func SortByImportance(clusters []*Cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

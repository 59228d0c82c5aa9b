package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/centroid"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// Three unit vectors whose pairwise cosine is 0.9.
var (
	near1 = []float32{1, 0, 0}
	near2 = []float32{0.9, 0.43589, 0}
	near3 = []float32{0.9, 0.20647, 0.38389}
	far   = []float32{0, 0, 1}
	other = []float32{0, 1, 0}
)

func newTestAssigner(t *testing.T, clock *fakeClock) *Assigner {
	t.Helper()
	return NewAssigner(AssignConfig{
		Threshold:      DefaultAssignThreshold,
		MinClusterSize: DefaultMinClusterSize,
		Now:            clock.Now,
		NewID:          seqIDs("c"),
	}, zerolog.Nop())
}

func newTestMerger(clock *fakeClock) *Merger {
	return NewMerger(MergeConfig{
		Threshold:      DefaultMergeThreshold,
		MinClusterSize: DefaultMinClusterSize,
		Now:            clock.Now,
	}, zerolog.Nop())
}

func existing(id string, created time.Time, articles ...string) *Cluster {
	c := &Cluster{
		ID:            id,
		Title:         "title " + id,
		ArticleIDs:    articles,
		SocialPostIDs: []string{},
		Sources:       map[string]string{},
		CreatedAt:     created,
		UpdatedAt:     created,
		Status:        StatusActive,
	}
	c.refresh(DefaultTopSources, DefaultMinClusterSize)
	return c
}

func indexWith(entries map[string][]float32) *centroid.Index {
	ix := centroid.NewIndex(centroid.RunningAverage{})
	for id, v := range entries {
		ix.Set(id, v, 1)
	}
	return ix
}

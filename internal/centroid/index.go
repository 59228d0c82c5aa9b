// Package centroid maintains the cluster centroid index: one persisted
// mapping from cluster id to representative vector, kept apart from the
// cluster records so assignment never loads full cluster bodies.
package centroid

import (
	"sort"
	"sync"

	"github.com/hurttlocker/dornt/internal/vector"
)

// Index is an in-memory snapshot of the centroid mapping.
type Index struct {
	mu        sync.RWMutex
	policy    Policy
	centroids map[string][]float32
	members   map[string]int
	// version of the persisted record this snapshot was loaded from.
	version int64
}

// NewIndex returns an empty index using policy (RunningAverage when nil).
func NewIndex(policy Policy) *Index {
	if policy == nil {
		policy = RunningAverage{}
	}
	return &Index{
		policy:    policy,
		centroids: make(map[string][]float32),
		members:   make(map[string]int),
	}
}

// Policy returns the update policy in use.
func (ix *Index) Policy() Policy { return ix.policy }

// Get returns a copy of the centroid for id.
func (ix *Index) Get(id string) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.centroids[id]
	if !ok {
		return nil, false
	}
	return vector.Clone(c), true
}

// Members returns how many vectors the centroid for id covers.
func (ix *Index) Members(id string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.members[id]
}

// Set replaces the centroid for id. members is the number of vectors it
// represents; values below 1 are stored as 1.
func (ix *Index) Set(id string, c []float32, members int) {
	if members < 1 {
		members = 1
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.centroids[id] = vector.Clone(c)
	ix.members[id] = members
}

// Delete removes id. Deleting an absent id is a no-op.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.centroids, id)
	delete(ix.members, id)
}

// Update folds v into the centroid for id. The first vector for an id
// becomes its centroid directly.
func (ix *Index) Update(id string, v []float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cur, ok := ix.centroids[id]
	if !ok {
		ix.centroids[id] = vector.Clone(v)
		ix.members[id] = 1
		return nil
	}
	n := ix.members[id]
	if n < 1 {
		n = 1
	}
	next, err := ix.policy.Update(cur, v, n)
	if err != nil {
		return err
	}
	ix.centroids[id] = next
	ix.members[id] = n + 1
	return nil
}

// Len returns the number of centroids.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.centroids)
}

// IDs returns the cluster ids in the index, sorted.
func (ix *Index) IDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]string, 0, len(ix.centroids))
	for id := range ix.centroids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package centroid

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/kv"
)

// Key is the path of the persisted centroid index.
const Key = "clusters/centroids.json"

// ErrConcurrentUpdate is returned by Save when the persisted index changed
// after it was loaded.
var ErrConcurrentUpdate = errors.New("centroid index modified concurrently")

type document struct {
	Centroids map[string][]float32 `json:"centroids"`
	Members   map[string]int       `json:"members,omitempty"`
}

// Store loads and saves the whole index as a single record.
type Store struct {
	kv     kv.Store
	policy Policy
	log    zerolog.Logger
}

// NewStore returns a Store over s whose loaded indexes use policy.
func NewStore(s kv.Store, policy Policy, log zerolog.Logger) *Store {
	if policy == nil {
		policy = RunningAverage{}
	}
	return &Store{
		kv:     s,
		policy: policy,
		log:    log.With().Str("component", "centroid-store").Logger(),
	}
}

// Load reads the full index. A missing record yields an empty index.
func (s *Store) Load(ctx context.Context) (*Index, error) {
	var doc document
	version, found, err := kv.GetJSON(ctx, s.kv, Key, &doc)
	if err != nil {
		return nil, fmt.Errorf("loading centroid index: %w", err)
	}

	ix := NewIndex(s.policy)
	ix.version = version
	if !found {
		return ix, nil
	}
	for id, c := range doc.Centroids {
		n := doc.Members[id]
		if n < 1 {
			n = 1
		}
		ix.centroids[id] = c
		ix.members[id] = n
	}
	s.log.Debug().Int("centroids", len(ix.centroids)).Int64("version", version).Msg("centroid index loaded")
	return ix, nil
}

// Save overwrites the persisted index with ix, provided nobody else has
// written it since ix was loaded. On success ix tracks the new version.
func (s *Store) Save(ctx context.Context, ix *Index) error {
	ix.mu.RLock()
	doc := document{
		Centroids: make(map[string][]float32, len(ix.centroids)),
		Members:   make(map[string]int, len(ix.members)),
	}
	for id, c := range ix.centroids {
		doc.Centroids[id] = c
		doc.Members[id] = ix.members[id]
	}
	expected := ix.version
	ix.mu.RUnlock()

	version, err := kv.PutJSONIfVersion(ctx, s.kv, Key, doc, expected)
	if errors.Is(err, kv.ErrVersionConflict) {
		return fmt.Errorf("saving centroid index at version %d: %w", expected, ErrConcurrentUpdate)
	}
	if err != nil {
		return fmt.Errorf("saving centroid index: %w", err)
	}

	ix.mu.Lock()
	ix.version = version
	ix.mu.Unlock()
	s.log.Debug().Int("centroids", len(doc.Centroids)).Int64("version", version).Msg("centroid index saved")
	return nil
}

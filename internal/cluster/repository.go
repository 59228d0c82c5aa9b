package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/kv"
)

const (
	keyPrefix = "clusters/"
	keySuffix = "/cluster.json"
)

// Key returns the storage path of a cluster record.
func Key(id string) string {
	return keyPrefix + id + keySuffix
}

// Repository reads and writes cluster records. Writes to the same cluster
// id are serialized.
type Repository struct {
	kv    kv.Store
	log   zerolog.Logger
	locks sync.Map // id -> *sync.Mutex
}

// NewRepository returns a Repository over s.
func NewRepository(s kv.Store, log zerolog.Logger) *Repository {
	return &Repository{
		kv:  s,
		log: log.With().Str("component", "cluster-repo").Logger(),
	}
}

func (r *Repository) lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get loads one cluster. A missing record is reported with found=false.
func (r *Repository) Get(ctx context.Context, id string) (*Cluster, bool, error) {
	var c Cluster
	_, found, err := kv.GetJSON(ctx, r.kv, Key(id), &c)
	if err != nil || !found {
		return nil, found, err
	}
	return &c, true, nil
}

// Save writes c.
func (r *Repository) Save(ctx context.Context, c *Cluster) error {
	defer r.lock(c.ID)()
	if _, err := kv.PutJSON(ctx, r.kv, Key(c.ID), c); err != nil {
		return fmt.Errorf("saving cluster %s: %w", c.ID, err)
	}
	return nil
}

// Delete removes the record for id.
func (r *Repository) Delete(ctx context.Context, id string) error {
	defer r.lock(id)()
	if err := r.kv.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("deleting cluster %s: %w", id, err)
	}
	return nil
}

// List loads clusters ordered by creation time, then id. Archived clusters
// are included only when includeArchived is set.
func (r *Repository) List(ctx context.Context, includeArchived bool) ([]*Cluster, error) {
	keys, err := r.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}

	var out []*Cluster
	for _, key := range keys {
		if !strings.HasSuffix(key, keySuffix) {
			continue
		}
		var c Cluster
		_, found, err := kv.GetJSON(ctx, r.kv, key, &c)
		if err != nil {
			return nil, err
		}
		if !found {
			// Deleted between list and read, e.g. absorbed by a merge.
			continue
		}
		if c.Status == StatusArchived && !includeArchived {
			continue
		}
		out = append(out, &c)
	}
	sortStable(out)
	r.log.Debug().Int("clusters", len(out)).Bool("archived", includeArchived).Msg("clusters loaded")
	return out, nil
}

// LoadActive returns every non-archived cluster in stable order.
func (r *Repository) LoadActive(ctx context.Context) ([]*Cluster, error) {
	return r.List(ctx, false)
}

// ListNeedingAnalysis returns the non-archived clusters whose analysis is
// missing or out of date.
func (r *Repository) ListNeedingAnalysis(ctx context.Context) ([]*Cluster, error) {
	all, err := r.LoadActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Cluster
	for _, c := range all {
		if c.NeedsAnalysis() {
			out = append(out, c)
		}
	}
	return out, nil
}

// MarkAnalyzed records that the cluster was analyzed at `at`. The title
// and summary are replaced when non-empty.
func (r *Repository) MarkAnalyzed(ctx context.Context, id, title, summary string, at time.Time) error {
	defer r.lock(id)()
	var c Cluster
	version, found, err := kv.GetJSON(ctx, r.kv, Key(id), &c)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("marking cluster %s analyzed: %w", id, ErrNotFound)
	}
	if title != "" {
		c.Title = title
	}
	if summary != "" {
		c.Summary = summary
	}
	at = at.UTC()
	c.LastAnalyzedAt = &at
	if _, err := kv.PutJSONIfVersion(ctx, r.kv, Key(id), &c, version); err != nil {
		return fmt.Errorf("marking cluster %s analyzed: %w", id, err)
	}
	return nil
}

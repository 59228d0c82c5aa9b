// Package pipeline wires the stage runner to the work each stage does and
// owns the pending item feed the cluster stage consumes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/kv"
)

// PendingPrefix holds items waiting to be clustered.
const PendingPrefix = "items/pending/"

// PendingKey is the record key for item id.
func PendingKey(id string) string { return PendingPrefix + id + ".json" }

// ErrInvalidItem is returned by Enqueue for items missing required fields.
var ErrInvalidItem = errors.New("invalid item")

// Item is an ingested document awaiting clustering. Embedding is filled by
// the cluster stage on first sight and kept so retries do not re-embed.
type Item struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Text          string    `json:"text,omitempty"`
	Source        string    `json:"source"`
	SocialPostIDs []string  `json:"socialPostIds,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// PendingStore is the queue of items not yet placed in a cluster.
type PendingStore struct {
	kv  kv.Store
	now func() time.Time
	log zerolog.Logger
}

// NewPendingStore returns a PendingStore. A nil now uses time.Now.
func NewPendingStore(s kv.Store, now func() time.Time, log zerolog.Logger) *PendingStore {
	if now == nil {
		now = time.Now
	}
	return &PendingStore{kv: s, now: now, log: log.With().Str("component", "pending").Logger()}
}

// Enqueue adds or replaces item.
func (p *PendingStore) Enqueue(ctx context.Context, item Item) error {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" || strings.ContainsAny(item.ID, "/\\") {
		return fmt.Errorf("%w: id %q", ErrInvalidItem, item.ID)
	}
	if strings.TrimSpace(item.Title) == "" && strings.TrimSpace(item.Text) == "" && len(item.Embedding) == 0 {
		return fmt.Errorf("%w: %s has no title, text or embedding", ErrInvalidItem, item.ID)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = p.now().UTC()
	}
	if _, err := kv.PutJSON(ctx, p.kv, PendingKey(item.ID), item); err != nil {
		return fmt.Errorf("enqueuing %s: %w", item.ID, err)
	}
	p.log.Debug().Str("item", item.ID).Msg("item enqueued")
	return nil
}

// List returns pending items ordered by enqueue time, then id.
func (p *PendingStore) List(ctx context.Context) ([]Item, error) {
	keys, err := p.kv.List(ctx, PendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing pending items: %w", err)
	}
	out := make([]Item, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		var item Item
		_, found, err := kv.GetJSON(ctx, p.kv, key, &item)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, item)
		}
	}
	sortItems(out)
	return out, nil
}

// Update rewrites an item already in the queue, e.g. to store its embedding.
func (p *PendingStore) Update(ctx context.Context, item Item) error {
	if _, err := kv.PutJSON(ctx, p.kv, PendingKey(item.ID), item); err != nil {
		return fmt.Errorf("updating pending item %s: %w", item.ID, err)
	}
	return nil
}

// Remove drops ids from the queue. Unknown ids are ignored.
func (p *PendingStore) Remove(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := p.kv.Delete(ctx, PendingKey(id)); err != nil {
			return fmt.Errorf("removing pending item %s: %w", id, err)
		}
	}
	return nil
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].ID < items[j].ID
	})
}

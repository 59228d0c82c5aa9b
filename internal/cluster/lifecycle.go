package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/centroid"
)

// Default staleness ages.
const (
	DefaultStaleAfter   = 7 * 24 * time.Hour
	DefaultArchiveAfter = 30 * 24 * time.Hour
)

// LifecyclePolicy sets when idle clusters go stale and when they are
// archived. Ages are measured from UpdatedAt.
type LifecyclePolicy struct {
	StaleAfter   time.Duration
	ArchiveAfter time.Duration
}

// Action is one status transition considered by a sweep.
type Action struct {
	Policy    string `json:"policy"`
	ClusterID string `json:"cluster_id"`
	FromState Status `json:"from_state"`
	ToState   Status `json:"to_state"`
	Reason    string `json:"reason"`
	Applied   bool   `json:"applied"`
}

// Report summarizes a sweep.
type Report struct {
	DryRun  bool     `json:"dry_run"`
	Scanned int      `json:"scanned"`
	Applied int      `json:"applied"`
	Actions []Action `json:"actions"`
}

// Lifecycle moves idle clusters to stale and then archived. Archiving
// drops the centroid so the cluster is no longer an assignment candidate.
type Lifecycle struct {
	repo      *Repository
	centroids *centroid.Store
	policy    LifecyclePolicy
	recorder  Recorder
	now       func() time.Time
	log       zerolog.Logger
}

// NewLifecycle returns a sweeper. A nil now uses time.Now.
func NewLifecycle(repo *Repository, centroids *centroid.Store, policy LifecyclePolicy, rec Recorder, now func() time.Time, log zerolog.Logger) *Lifecycle {
	if policy.StaleAfter <= 0 {
		policy.StaleAfter = DefaultStaleAfter
	}
	if policy.ArchiveAfter <= 0 {
		policy.ArchiveAfter = DefaultArchiveAfter
	}
	if rec == nil {
		rec = NopRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		repo:      repo,
		centroids: centroids,
		policy:    policy,
		recorder:  rec,
		now:       now,
		log:       log.With().Str("component", "lifecycle").Logger(),
	}
}

// Sweep evaluates every non-archived cluster. With dryRun set, actions are
// reported but nothing is written.
func (l *Lifecycle) Sweep(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun, Actions: make([]Action, 0, 16)}

	clusters, err := l.repo.LoadActive(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()

	var actions []Action
	pending := make(map[string]*Cluster)
	for _, c := range clusters {
		report.Scanned++
		act, ok := l.evaluate(c, now)
		if !ok {
			continue
		}
		actions = append(actions, act)
		pending[c.ID] = c
	}

	if dryRun || len(actions) == 0 {
		report.Actions = append(report.Actions, actions...)
		return report, nil
	}

	ix, err := l.centroids.Load(ctx)
	if err != nil {
		return nil, err
	}
	archived := 0
	for i := range actions {
		act := &actions[i]
		c := pending[act.ClusterID]
		c.Status = act.ToState
		if act.ToState == StatusArchived {
			ix.Delete(c.ID)
			c.Centroid = nil
			archived++
		}
		if err := l.repo.Save(ctx, c); err != nil {
			return nil, fmt.Errorf("applying %s to %s: %w", act.Policy, c.ID, err)
		}
		act.Applied = true
		report.Applied++
		l.recorder.ClustersTransitioned(string(act.ToState), 1)
		l.log.Info().Str("cluster", c.ID).Str("from", string(act.FromState)).Str("to", string(act.ToState)).Msg("cluster transitioned")
	}
	if archived > 0 {
		if err := l.centroids.Save(ctx, ix); err != nil {
			return nil, err
		}
	}
	report.Actions = append(report.Actions, actions...)
	return report, nil
}

func (l *Lifecycle) evaluate(c *Cluster, now time.Time) (Action, bool) {
	age := now.Sub(c.UpdatedAt)
	switch {
	case age >= l.policy.ArchiveAfter:
		return Action{
			Policy:    "idle-archive",
			ClusterID: c.ID,
			FromState: c.Status,
			ToState:   StatusArchived,
			Reason:    fmt.Sprintf("idle %s >= %s", age.Truncate(time.Hour), l.policy.ArchiveAfter),
		}, true
	case age >= l.policy.StaleAfter && c.Status != StatusStale:
		return Action{
			Policy:    "idle-stale",
			ClusterID: c.ID,
			FromState: c.Status,
			ToState:   StatusStale,
			Reason:    fmt.Sprintf("idle %s >= %s", age.Truncate(time.Hour), l.policy.StaleAfter),
		}, true
	}
	return Action{}, false
}

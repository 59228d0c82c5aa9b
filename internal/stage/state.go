package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/kv"
)

// StateStore persists per-stage run state.
type StateStore struct {
	kv     kv.Store
	locker *Locker
	now    func() time.Time
	log    zerolog.Logger
}

// NewStateStore returns a StateStore. MarkRunning checks leases against
// locker.
func NewStateStore(s kv.Store, locker *Locker, now func() time.Time, log zerolog.Logger) *StateStore {
	if now == nil {
		now = time.Now
	}
	return &StateStore{
		kv:     s,
		locker: locker,
		now:    now,
		log:    log.With().Str("component", "stage-state").Logger(),
	}
}

// Get returns the state of stage; a stage that never ran is idle.
func (s *StateStore) Get(ctx context.Context, stage Name) (State, error) {
	st := State{Stage: stage, Status: StatusIdle}
	if _, _, err := kv.GetJSON(ctx, s.kv, StatePath(stage), &st); err != nil {
		return State{}, fmt.Errorf("reading state %s: %w", stage, err)
	}
	return st, nil
}

// All returns the state of every stage in pipeline order.
func (s *StateStore) All(ctx context.Context) ([]State, error) {
	out := make([]State, 0, len(All))
	for _, n := range All {
		st, err := s.Get(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Snapshot is a stage's state together with its current lock holder.
type Snapshot struct {
	State
	Lock *LockInfo `json:"lock,omitempty"`
}

// Snapshots returns state and lock for every stage in pipeline order.
func (s *StateStore) Snapshots(ctx context.Context) ([]Snapshot, error) {
	states, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(states))
	for _, st := range states {
		snap := Snapshot{State: st}
		info, found, err := s.locker.Inspect(ctx, st.Stage)
		if err != nil {
			return nil, fmt.Errorf("inspecting lock %s: %w", st.Stage, err)
		}
		if found {
			snap.Lock = &info
		}
		out = append(out, snap)
	}
	return out, nil
}

// MarkRunning records the start of a run. The caller must hold lease.
func (s *StateStore) MarkRunning(ctx context.Context, lease Lease) error {
	held, err := s.locker.Holds(ctx, lease)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("marking %s running: %w", lease.Stage, ErrLockNotHeld)
	}
	now := s.now().UTC()
	return s.update(ctx, lease.Stage, func(st *State) {
		st.Status = StatusRunning
		st.LastRunAt = &now
	})
}

// MarkCompleted records a successful run and clears any previous error.
// lease may have expired, but no other run may have taken the lock over.
func (s *StateStore) MarkCompleted(ctx context.Context, lease Lease) error {
	if err := s.checkOwner(ctx, lease, StatusCompleted); err != nil {
		return err
	}
	now := s.now().UTC()
	return s.update(ctx, lease.Stage, func(st *State) {
		st.Status = StatusCompleted
		st.LastCompletedAt = &now
		st.Error = ""
	})
}

// MarkFailed records a failed run with its error message. Same lease rule
// as MarkCompleted.
func (s *StateStore) MarkFailed(ctx context.Context, lease Lease, msg string) error {
	if err := s.checkOwner(ctx, lease, StatusFailed); err != nil {
		return err
	}
	return s.update(ctx, lease.Stage, func(st *State) {
		st.Status = StatusFailed
		st.Error = msg
	})
}

func (s *StateStore) checkOwner(ctx context.Context, lease Lease, status Status) error {
	info, found, err := s.locker.Inspect(ctx, lease.Stage)
	if err != nil {
		return err
	}
	if !found || lease.ID == "" || info.Holder != lease.ID {
		return fmt.Errorf("marking %s %s: %w", lease.Stage, status, ErrLockNotHeld)
	}
	return nil
}

func (s *StateStore) update(ctx context.Context, stage Name, fn func(*State)) error {
	st, err := s.Get(ctx, stage)
	if err != nil {
		return err
	}
	st.Stage = stage
	fn(&st)
	if _, err := kv.PutJSON(ctx, s.kv, StatePath(stage), st); err != nil {
		return fmt.Errorf("writing state %s: %w", stage, err)
	}
	s.log.Debug().Str("stage", string(stage)).Str("status", string(st.Status)).Msg("stage state updated")
	return nil
}

package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/kv"
)

// DefaultLockTimeout is how long a lease is honored before another caller
// may treat it as abandoned.
const DefaultLockTimeout = 15 * time.Minute

// Lease is proof of holding a stage lock.
type Lease struct {
	Stage      Name
	ID         string
	AcquiredAt time.Time
}

type lockRecord struct {
	LockedBy string    `json:"lockedBy"`
	LockedAt time.Time `json:"lockedAt"`
}

// LockInfo describes the current holder of a stage lock.
type LockInfo struct {
	Holder   string    `json:"holder"`
	LockedAt time.Time `json:"lockedAt"`
	Expired  bool      `json:"expired"`
}

// LockConfig configures a Locker.
type LockConfig struct {
	Timeout time.Duration
	Now     func() time.Time
	NewID   func() string
}

// Locker grants per-stage leases. Every write is a compare-and-swap on
// the lock record's version, so two racing callers can never both win.
type Locker struct {
	kv      kv.Store
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
}

// NewLocker returns a Locker over s.
func NewLocker(s kv.Store, cfg LockConfig, log zerolog.Logger) *Locker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLockTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Locker{
		kv:      s,
		timeout: cfg.Timeout,
		now:     cfg.Now,
		newID:   cfg.NewID,
		log:     log.With().Str("component", "stage-lock").Logger(),
	}
}

// Acquire tries to take the lock for stage. ok is false when another
// lease is live or a concurrent caller won; err is reserved for storage
// failures.
func (l *Locker) Acquire(ctx context.Context, stage Name) (Lease, bool, error) {
	path := LockPath(stage)
	now := l.now().UTC()

	rec, found, err := l.kv.Get(ctx, path)
	if err != nil {
		return Lease{}, false, fmt.Errorf("reading lock %s: %w", stage, err)
	}

	var expected int64
	if found {
		var held lockRecord
		if err := json.Unmarshal(rec.Value, &held); err != nil {
			l.log.Warn().Err(err).Str("stage", string(stage)).Msg("unreadable lock record, breaking it")
		} else {
			age := now.Sub(held.LockedAt)
			if age < l.timeout {
				l.log.Info().Str("stage", string(stage)).Str("holder", held.LockedBy).Dur("age", age).Msg("stage is locked")
				return Lease{}, false, nil
			}
			l.log.Warn().Str("stage", string(stage)).Str("holder", held.LockedBy).Dur("age", age).Msg("breaking expired lock")
		}
		expected = rec.Version
	}

	lease := Lease{Stage: stage, ID: l.newID(), AcquiredAt: now}
	_, err = kv.PutJSONIfVersion(ctx, l.kv, path, lockRecord{LockedBy: lease.ID, LockedAt: now}, expected)
	if errors.Is(err, kv.ErrVersionConflict) {
		l.log.Info().Str("stage", string(stage)).Msg("lost lock race")
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("writing lock %s: %w", stage, err)
	}

	// Confirm by re-read.
	var check lockRecord
	_, found, err = kv.GetJSON(ctx, l.kv, path, &check)
	if err != nil {
		return Lease{}, false, fmt.Errorf("confirming lock %s: %w", stage, err)
	}
	if !found || check.LockedBy != lease.ID {
		return Lease{}, false, nil
	}
	l.log.Debug().Str("stage", string(stage)).Str("lease", lease.ID).Msg("lock acquired")
	return lease, true, nil
}

// Release deletes the lock if lease still owns it. A lease that no longer
// matches, has expired, or whose lock is gone is released as a no-op.
func (l *Locker) Release(ctx context.Context, lease Lease) error {
	path := LockPath(lease.Stage)
	var held lockRecord
	version, found, err := kv.GetJSON(ctx, l.kv, path, &held)
	if err != nil {
		return fmt.Errorf("reading lock %s: %w", lease.Stage, err)
	}
	logger := l.log.With().Str("stage", string(lease.Stage)).Str("lease", lease.ID).Logger()
	switch {
	case !found:
		logger.Debug().Msg("release: no lock present")
		return nil
	case held.LockedBy != lease.ID:
		logger.Warn().Str("holder", held.LockedBy).Msg("release: lock held by another lease")
		return nil
	case l.now().UTC().Sub(held.LockedAt) >= l.timeout:
		logger.Warn().Msg("release: lease expired")
		return nil
	}

	err = l.kv.DeleteIfVersion(ctx, path, version)
	if errors.Is(err, kv.ErrVersionConflict) {
		logger.Warn().Msg("release: lock changed underneath")
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting lock %s: %w", lease.Stage, err)
	}
	logger.Debug().Msg("lock released")
	return nil
}

// Holds reports whether lease is the live holder of its stage lock.
func (l *Locker) Holds(ctx context.Context, lease Lease) (bool, error) {
	if lease.ID == "" {
		return false, nil
	}
	info, found, err := l.Inspect(ctx, lease.Stage)
	if err != nil || !found {
		return false, err
	}
	return info.Holder == lease.ID && !info.Expired, nil
}

// Inspect returns the current lock holder for stage, if any.
func (l *Locker) Inspect(ctx context.Context, stage Name) (LockInfo, bool, error) {
	var held lockRecord
	_, found, err := kv.GetJSON(ctx, l.kv, LockPath(stage), &held)
	if err != nil || !found {
		return LockInfo{}, found, err
	}
	return LockInfo{
		Holder:   held.LockedBy,
		LockedAt: held.LockedAt,
		Expired:  l.now().UTC().Sub(held.LockedAt) >= l.timeout,
	}, true, nil
}

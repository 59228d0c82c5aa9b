package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/cluster"
	"github.com/hurttlocker/dornt/internal/stage"
)

// ErrSweepBusy is returned when an applied sweep finds a clustering pass
// holding the cluster stage lock.
var ErrSweepBusy = errors.New("stage cluster is already running")

// Sweeper runs on-demand lifecycle sweeps. Applied sweeps write cluster
// records and the centroid index, so they hold the cluster stage lock for
// their duration; dry runs only read and take no lock.
type Sweeper struct {
	locker    *stage.Locker
	lifecycle *cluster.Lifecycle
	log       zerolog.Logger
}

// NewSweeper returns a Sweeper.
func NewSweeper(locker *stage.Locker, lifecycle *cluster.Lifecycle, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		locker:    locker,
		lifecycle: lifecycle,
		log:       log.With().Str("component", "sweeper").Logger(),
	}
}

// Sweep runs one lifecycle sweep.
func (s *Sweeper) Sweep(ctx context.Context, dryRun bool) (*cluster.Report, error) {
	if dryRun {
		return s.lifecycle.Sweep(ctx, true)
	}

	lease, ok, err := s.locker.Acquire(ctx, stage.Cluster)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSweepBusy
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			s.log.Error().Err(err).Msg("lock release failed")
		}
	}()
	return s.lifecycle.Sweep(ctx, false)
}

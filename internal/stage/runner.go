package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the result class of a run.
type Outcome string

const (
	// OutcomeSkipped means the lock was held elsewhere; nothing ran and no
	// state changed.
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Result is what a caller of Run always gets back.
type Result struct {
	Stage      Name          `json:"stage"`
	Outcome    Outcome       `json:"outcome"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

// OK reports whether the stage ran and completed.
func (r Result) OK() bool { return r.Outcome == OutcomeCompleted }

// Handler is the business logic of a stage.
type Handler func(ctx context.Context) (any, error)

// Observer is told about every finished run.
type Observer interface {
	StageFinished(r Result)
}

// Runner executes handlers under the stage lock:
// acquire, mark running, run, mark completed or failed, release.
type Runner struct {
	locker    *Locker
	states    *StateStore
	observers []Observer
	now       func() time.Time
	log       zerolog.Logger
}

// NewRunner returns a Runner. A nil now uses time.Now.
func NewRunner(locker *Locker, states *StateStore, now func() time.Time, log zerolog.Logger, observers ...Observer) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{
		locker:    locker,
		states:    states,
		observers: observers,
		now:       now,
		log:       log.With().Str("component", "stage-runner").Logger(),
	}
}

// Run executes h for stage. The lock is released on every path, including
// a panicking handler, which is reported as a failure.
func (r *Runner) Run(ctx context.Context, stage Name, h Handler) (res Result) {
	res = Result{Stage: stage, StartedAt: r.now().UTC()}
	logger := r.log.With().Str("stage", string(stage)).Logger()
	defer func() {
		res.FinishedAt = r.now().UTC()
		res.Duration = res.FinishedAt.Sub(res.StartedAt)
		for _, o := range r.observers {
			o.StageFinished(res)
		}
	}()

	lease, ok, err := r.locker.Acquire(ctx, stage)
	if err != nil {
		logger.Error().Err(err).Msg("lock acquisition failed")
		res.Outcome = OutcomeFailed
		res.Error = fmt.Sprintf("acquiring lock: %v", err)
		return res
	}
	if !ok {
		res.Outcome = OutcomeSkipped
		res.Error = fmt.Sprintf("stage %s is already running", stage)
		return res
	}
	defer func() {
		// Release even when ctx is already cancelled.
		if err := r.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			logger.Error().Err(err).Msg("lock release failed")
		}
	}()

	if err := r.states.MarkRunning(ctx, lease); err != nil {
		logger.Error().Err(err).Msg("marking running failed")
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}
	logger.Info().Str("lease", lease.ID).Msg("stage started")

	output, err := invoke(ctx, h, logger)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		switch merr := r.states.MarkFailed(context.WithoutCancel(ctx), lease, res.Error); {
		case errors.Is(merr, ErrLockNotHeld):
			logger.Warn().Str("lease", lease.ID).Msg("lease lost before the failure was recorded")
		case merr != nil:
			logger.Error().Err(merr).Msg("recording failure failed")
		}
		logger.Error().Str("error", res.Error).Msg("stage failed")
		return res
	}

	err = r.states.MarkCompleted(context.WithoutCancel(ctx), lease)
	if errors.Is(err, ErrLockNotHeld) {
		// The work is done; the state belongs to whoever broke the lease.
		logger.Warn().Str("lease", lease.ID).Msg("lease lost before completion was recorded")
		err = nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("recording completion failed")
		res.Outcome = OutcomeFailed
		res.Error = fmt.Sprintf("recording completion: %v", err)
		return res
	}
	res.Outcome = OutcomeCompleted
	res.Output = output
	logger.Info().Msg("stage completed")
	return res
}

func invoke(ctx context.Context, h Handler, logger zerolog.Logger) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			logger.Error().Str("stack", string(debug.Stack())).Msg("stage handler panicked")
		}
	}()
	return h(ctx)
}

// Package events publishes stage results to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/hurttlocker/dornt/internal/stage"
)

// StageEvent is the JSON payload written for each finished stage run.
type StageEvent struct {
	Stage      string    `json:"stage"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Output     any       `json:"output,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMS int64     `json:"durationMs"`
}

// FromResult converts a runner result into its event form.
func FromResult(r stage.Result) StageEvent {
	return StageEvent{
		Stage:      string(r.Stage),
		Outcome:    string(r.Outcome),
		Error:      r.Error,
		Output:     r.Output,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMS: r.Duration.Milliseconds(),
	}
}

// Publisher delivers stage events.
type Publisher interface {
	Publish(ctx context.Context, r stage.Result) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, stage.Result) error { return nil }
func (Nop) Close() error                                { return nil }

// Package stage coordinates pipeline stages: a lease lock per stage so
// independently triggered runs never overlap, and a persisted state
// machine recording how each stage last ran.
//
//	idle -> running -> completed | failed
//
// There is no explicit return to idle; a state record persists until the
// next run overwrites it.
package stage

import (
	"errors"
	"fmt"
	"time"
)

// Name identifies a pipeline stage.
type Name string

const (
	Ingest     Name = "ingest"
	Cluster    Name = "cluster"
	Analyze    Name = "analyze"
	Storylines Name = "storylines"
	Sitegen    Name = "sitegen"
)

// All lists the stages in pipeline order.
var All = []Name{Ingest, Cluster, Analyze, Storylines, Sitegen}

var (
	// ErrUnknownStage is returned for names outside All.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrLockNotHeld is returned when a state transition requires a lease
	// the caller does not hold.
	ErrLockNotHeld = errors.New("stage lock not held")
)

// Parse validates a stage name.
func Parse(s string) (Name, error) {
	for _, n := range All {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownStage)
}

// Status is the persisted run status of a stage.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the persisted record for one stage.
type State struct {
	Stage           Name       `json:"stage"`
	Status          Status     `json:"status"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastCompletedAt *time.Time `json:"lastCompletedAt,omitempty"`
	Error           string     `json:"error,omitempty"`
}

const statePrefix = "pipeline-state/"

// StatePath is where the state record of a stage lives.
func StatePath(n Name) string { return statePrefix + string(n) + ".json" }

// LockPath is where the lock record of a stage lives.
func LockPath(n Name) string { return statePrefix + "locks/" + string(n) + ".json" }

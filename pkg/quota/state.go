// Package quota governs calls to the metered maps provider and persists the
// engine's run state between process restarts.
package quota

import (
	"context"
	"time"
)

// Status is the engine's coarse run state.
type Status string

const (
	StatusStopped      Status = "STOPPED"
	StatusRunning      Status = "RUNNING"
	StatusNoAPICredits Status = "NO_API_CREDITS"
	StatusError        Status = "ERROR"
)

// ErrorInfo records the message of the last failed run.
type ErrorInfo struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the persisted quota counters plus run state.
//
// JSON keys match the state file layout older deployments already have on disk.
type State struct {
	Status        Status     `json:"status"`
	LastExecution *time.Time `json:"last_execution"`
	LastError     *ErrorInfo `json:"last_error"`
	DailyCalls    int        `json:"api_calls_today"`
	MonthlyCalls  int        `json:"api_calls_month"`
	CurrentMonth  string     `json:"current_month"`
	QuotaExceeded bool       `json:"api_quota_exceeded"`
	ManualStop    bool       `json:"is_manual_stopped"`
}

// DefaultState is the state of a fresh install.
func DefaultState() State {
	return State{Status: StatusStopped}
}

// Store persists a single State.
//
// Update runs fn against the current state inside one read-modify-write
// transaction. When fn returns an error nothing is written and the error is
// returned as-is.
type Store interface {
	Load(ctx context.Context) (State, error)
	Update(ctx context.Context, fn func(*State) error) (State, error)
}

// monthKey is the month marker stored in State.CurrentMonth.
func monthKey(t time.Time) string {
	return t.Format("2006-01")
}

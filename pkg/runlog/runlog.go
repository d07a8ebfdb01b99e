// Package runlog records assignment cycles and their per-database events
// in the control database.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/3leaps/courtsync/pkg/store"
)

// RunStatus is the terminal (or current) status of a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates every database finished.
	RunStatusSuccess RunStatus = "success"
	// RunStatusPartial indicates at least one database failed.
	RunStatusPartial RunStatus = "partial"
	// RunStatusNoCredits indicates the run stopped on quota exhaustion.
	RunStatusNoCredits RunStatus = "no_api_credits"
	// RunStatusFailed indicates a run-fatal error.
	RunStatusFailed RunStatus = "failed"
)

// EventCategory groups events by severity.
type EventCategory string

const (
	EventCategoryInfo    EventCategory = "info"
	EventCategoryWarning EventCategory = "warning"
	EventCategoryError   EventCategory = "error"
	EventCategoryQuota   EventCategory = "quota"
)

// EventType identifies what happened.
type EventType string

const (
	EventTypeRunStarted     EventType = "run_started"
	EventTypeDatabaseDone   EventType = "database_done"
	EventTypeDatabaseFailed EventType = "database_failed"
	EventTypeQuotaExhausted EventType = "quota_exhausted"
	EventTypeRunCompleted   EventType = "run_completed"
)

// ErrRunNotFound is returned by Get for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Run is one assignment cycle.
type Run struct {
	RunID     string     `json:"run_id"`
	Trigger   string     `json:"trigger"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    RunStatus  `json:"status"`
	Error     *string    `json:"error,omitempty"`

	// Summary is the JSON-encoded run report, set when the run finishes.
	Summary *string `json:"summary,omitempty"`
}

// Event is one entry in a run's timeline.
type Event struct {
	EventID    string        `json:"event_id"`
	RunID      string        `json:"run_id"`
	OccurredAt time.Time     `json:"occurred_at"`
	Type       EventType     `json:"type"`
	Category   EventCategory `json:"category"`
	Database   *string       `json:"database,omitempty"`
	Detail     *string       `json:"detail,omitempty"`
}

type runRow struct {
	RunID     string  `db:"run_id"`
	Trigger   string  `db:"run_trigger"`
	StartedAt string  `db:"started_at"`
	EndedAt   *string `db:"ended_at"`
	Status    string  `db:"status"`
	Error     *string `db:"error"`
	Summary   *string `db:"summary"`
}

type eventRow struct {
	EventID    string  `db:"event_id"`
	RunID      string  `db:"run_id"`
	OccurredAt string  `db:"occurred_at"`
	Type       string  `db:"event_type"`
	Category   string  `db:"event_category"`
	Database   *string `db:"db_name"`
	Detail     *string `db:"detail"`
}

// Migrate creates the run tables.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS courtsync_runs (
			run_id TEXT PRIMARY KEY,
			run_trigger TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			error TEXT,
			summary TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_courtsync_runs_started ON courtsync_runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS courtsync_run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_category TEXT NOT NULL,
			db_name TEXT,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_courtsync_run_events_run ON courtsync_run_events(run_id, occurred_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init run tables: %w", err)
		}
	}
	return nil
}

// Create inserts a new run in running status.
func Create(ctx context.Context, db *sqlx.DB, trigger string, now time.Time) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	run := &Run{
		RunID:     newID("run_"),
		Trigger:   trigger,
		StartedAt: now.UTC(),
		Status:    RunStatusRunning,
	}
	_, err := db.ExecContext(ctx, db.Rebind(
		`INSERT INTO courtsync_runs (run_id, run_trigger, started_at, status) VALUES (?, ?, ?, ?)`),
		run.RunID, run.Trigger, store.FormatTime(run.StartedAt), string(run.Status))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// Finish records the terminal status, the error message (if any) and the
// JSON summary.
func Finish(ctx context.Context, db *sqlx.DB, runID string, status RunStatus, errMsg string, summary []byte, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var summaryArg any
	if len(summary) > 0 {
		summaryArg = string(summary)
	}
	_, err := db.ExecContext(ctx, db.Rebind(
		`UPDATE courtsync_runs SET status = ?, ended_at = ?, error = ?, summary = ? WHERE run_id = ?`),
		string(status), store.FormatTime(now), stringPtr(errMsg), summaryArg, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Get retrieves one run.
func Get(ctx context.Context, db *sqlx.DB, runID string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var row runRow
	err := db.GetContext(ctx, &row, db.Rebind(
		`SELECT run_id, run_trigger, started_at, ended_at, status, error, summary
		 FROM courtsync_runs WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return row.toRun()
}

// List returns the most recent runs first. A limit <= 0 returns all.
func List(ctx context.Context, db *sqlx.DB, limit int) ([]Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT run_id, run_trigger, started_at, ended_at, status, error, summary
		 FROM courtsync_runs
		 ORDER BY started_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []runRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// RecordEvent appends an event to a run. EventID and OccurredAt are filled
// in when empty.
func RecordEvent(ctx context.Context, db *sqlx.DB, e Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.EventID == "" {
		e.EventID = newID("evt_")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	_, err := db.ExecContext(ctx, db.Rebind(
		`INSERT INTO courtsync_run_events
		 (event_id, run_id, occurred_at, event_type, event_category, db_name, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.EventID, e.RunID, store.FormatTime(e.OccurredAt),
		string(e.Type), string(e.Category), e.Database, e.Detail)
	if err != nil {
		return fmt.Errorf("record run event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in order.
func ListEvents(ctx context.Context, db *sqlx.DB, runID string) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []eventRow
	err := db.SelectContext(ctx, &rows, db.Rebind(
		`SELECT event_id, run_id, occurred_at, event_type, event_category, db_name, detail
		 FROM courtsync_run_events
		 WHERE run_id = ?
		 ORDER BY occurred_at ASC, event_id ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		at, err := store.ParseTime(r.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		events = append(events, Event{
			EventID:    r.EventID,
			RunID:      r.RunID,
			OccurredAt: at,
			Type:       EventType(r.Type),
			Category:   EventCategory(r.Category),
			Database:   r.Database,
			Detail:     r.Detail,
		})
	}
	return events, nil
}

func (r runRow) toRun() (*Run, error) {
	started, err := store.ParseTime(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	run := &Run{
		RunID:     r.RunID,
		Trigger:   r.Trigger,
		StartedAt: started,
		Status:    RunStatus(r.Status),
		Error:     r.Error,
		Summary:   r.Summary,
	}
	if r.EndedAt != nil {
		ended, err := store.ParseTime(*r.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		run.EndedAt = &ended
	}
	return run, nil
}

// newID returns a time-ordered id, so ties on timestamps still sort by
// creation order.
func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + uuid.NewString()
	}
	return prefix + id.String()
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

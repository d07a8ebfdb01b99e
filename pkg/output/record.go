// Package output provides JSONL output for assignment cycles.
//
// Output is structured as typed record envelopes containing per-database
// results, errors, and the final run summary. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: courtsync.<type>.v<version>
const (
	// TypeDatabase identifies one finished database.
	TypeDatabase = "courtsync.database.v1"

	// TypeError identifies error records.
	TypeError = "courtsync.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "courtsync.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "courtsync.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "courtsync.database.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record of one cycle.
	RunID string `json:"run_id"`

	// Trigger is what started the cycle (cli, manual, schedule).
	Trigger string `json:"trigger"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// DatabaseRecord is the data payload for one processed database.
type DatabaseRecord struct {
	Database string `json:"database"`
	Status   string `json:"status"`

	Claims        int `json:"claims"`
	Assigned      int `json:"assigned"`
	NoAddress     int `json:"no_address"`
	WrongCity     int `json:"wrong_city"`
	NoCourtInCity int `json:"no_court_in_city"`
	Errors        int `json:"errors"`
	Skipped       int `json:"skipped"`
	CallsSaved    int `json:"calls_saved"`

	CourtsGeocoded int `json:"courts_geocoded"`

	DurationMS int64 `json:"duration_ms"`
}

// ErrorRecord is the data payload for errors.
//
// A failed database is reported here and the cycle moves on.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Database is the database being processed, if any.
	Database string `json:"database,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeDatabase indicates a database failed and was skipped.
	ErrCodeDatabase = "DATABASE_FAILED"

	// ErrCodeQuota indicates the maps quota ran out and stopped the cycle.
	ErrCodeQuota = "QUOTA_EXHAUSTED"

	// ErrCodeInternal indicates an unexpected run-fatal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	// Phase indicates the current cycle phase.
	Phase string `json:"phase"`

	// DatabasesDone counts databases processed so far.
	DatabasesDone int `json:"databases_done"`

	// Database is the database just finished, if applicable.
	Database string `json:"database,omitempty"`
}

// Progress phase constants.
const (
	PhaseProcessing = "processing"
	PhaseComplete   = "complete"
)

// SummaryRecord is the data payload for the final summary.
type SummaryRecord struct {
	Status string `json:"status"`

	Databases       int `json:"databases"`
	DatabasesFailed int `json:"databases_failed"`

	Claims         int `json:"claims"`
	Assigned       int `json:"assigned"`
	Skipped        int `json:"skipped"`
	CallsSaved     int `json:"calls_saved"`
	CourtsGeocoded int `json:"courts_geocoded"`

	// Duration is the total cycle duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Error   string `json:"error,omitempty"`
	Archive string `json:"archive,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

package orchestrator

import (
	"context"
	"time"

	"github.com/3leaps/courtsync/pkg/assign"
	"github.com/3leaps/courtsync/pkg/courtsync"
	"github.com/3leaps/courtsync/pkg/output"
	"github.com/3leaps/courtsync/pkg/runlog"
)

// DatabaseStatus is the outcome of one database within a run.
type DatabaseStatus string

const (
	DatabaseOK     DatabaseStatus = "ok"
	DatabaseFailed DatabaseStatus = "failed"
	// DatabaseQuota marks the database where quota ran out.
	DatabaseQuota DatabaseStatus = "quota_exhausted"
)

// DatabaseReport summarizes one database.
type DatabaseReport struct {
	Name       string                `json:"name"`
	Status     DatabaseStatus        `json:"status"`
	Error      string                `json:"error,omitempty"`
	Courts     courtsync.SyncSummary `json:"courts"`
	Claims     assign.Stats          `json:"claims"`
	StartedAt  time.Time             `json:"started_at"`
	DurationMS int64                 `json:"duration_ms"`
}

// Report summarizes a full cycle.
type Report struct {
	RunID      string           `json:"run_id"`
	Trigger    string           `json:"trigger"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Status     runlog.RunStatus `json:"status"`
	Error      string           `json:"error,omitempty"`

	Databases []DatabaseReport `json:"databases"`

	// Totals adds up Claims over every database.
	Totals assign.Stats `json:"totals"`

	// CourtsGeocoded counts court geocodes (new plus re-geocoded).
	CourtsGeocoded int `json:"courts_geocoded"`

	// Archive is where the report was archived, if anywhere.
	Archive string `json:"archive,omitempty"`
}

// Failed returns the databases that did not finish.
func (r *Report) Failed() []DatabaseReport {
	var out []DatabaseReport
	for _, d := range r.Databases {
		if d.Status != DatabaseOK {
			out = append(out, d)
		}
	}
	return out
}

func (r *Report) add(d DatabaseReport) {
	r.Databases = append(r.Databases, d)
	r.Totals.Add(d.Claims)
	r.CourtsGeocoded += d.Courts.Geocoded + d.Courts.Regeocoded
}

// Record converts d for the JSONL stream.
func (d DatabaseReport) Record() *output.DatabaseRecord {
	return &output.DatabaseRecord{
		Database:       d.Name,
		Status:         string(d.Status),
		Claims:         d.Claims.Total,
		Assigned:       d.Claims.Success,
		NoAddress:      d.Claims.NoAddress,
		WrongCity:      d.Claims.WrongCity,
		NoCourtInCity:  d.Claims.NoCourtInCity,
		Errors:         d.Claims.Error,
		Skipped:        d.Claims.Skipped,
		CallsSaved:     d.Claims.CallsSaved(),
		CourtsGeocoded: d.Courts.Geocoded + d.Courts.Regeocoded,
		DurationMS:     d.DurationMS,
	}
}

// Summary converts r for the JSONL stream.
func (r *Report) Summary() *output.SummaryRecord {
	dur := r.FinishedAt.Sub(r.StartedAt)
	if dur < 0 {
		dur = 0
	}
	return &output.SummaryRecord{
		Status:          string(r.Status),
		Databases:       len(r.Databases),
		DatabasesFailed: len(r.Failed()),
		Claims:          r.Totals.Total,
		Assigned:        r.Totals.Success,
		Skipped:         r.Totals.Skipped,
		CallsSaved:      r.Totals.CallsSaved(),
		CourtsGeocoded:  r.CourtsGeocoded,
		Duration:        dur,
		DurationHuman:   dur.Round(time.Millisecond).String(),
		Error:           r.Error,
		Archive:         r.Archive,
	}
}

// StreamTo returns an OnDatabase hook writing each database, and its error
// when it failed, to w. Write errors are ignored; the report is authoritative.
func StreamTo(ctx context.Context, w output.Writer) func(runID string, done int, d DatabaseReport) {
	return func(runID string, done int, d DatabaseReport) {
		w.SetRunID(runID)
		_ = w.WriteDatabase(ctx, d.Record())
		if d.Error != "" {
			code := output.ErrCodeDatabase
			if d.Status == DatabaseQuota {
				code = output.ErrCodeQuota
			}
			_ = w.WriteError(ctx, &output.ErrorRecord{Code: code, Message: d.Error, Database: d.Name})
		}
		_ = w.WriteProgress(ctx, &output.ProgressRecord{Phase: output.PhaseProcessing, DatabasesDone: done, Database: d.Name})
	}
}

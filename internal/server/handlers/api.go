// Package handlers implements the HTTP handlers of the operator server:
// health, version, engine control, run history and assignment queries.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/courtsync/internal/errors"
	"github.com/3leaps/courtsync/pkg/orchestrator"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/runlog"
	"github.com/3leaps/courtsync/pkg/settings"
	"github.com/3leaps/courtsync/pkg/store"
)

const (
	defaultRunsLimit = 20
	maxPageSize      = 500
)

// API serves the operator endpoints.
type API struct {
	Runner   *orchestrator.Serial
	Governor *quota.Governor
	Settings *settings.Provider
	Opener   orchestrator.Opener

	// Control holds run history. Nil answers /runs with 503.
	Control *sqlx.DB

	// LogFile is tailed by /logs. Empty answers /logs with 503.
	LogFile string

	// BaseContext outlives requests; runs started by /execute use it.
	BaseContext context.Context

	Logger *zap.Logger
}

// Register mounts the operator routes on r.
func (a *API) Register(r chi.Router) {
	r.Get("/status", a.Status)
	r.Get("/api-usage", a.Usage)
	r.Post("/start", a.Start)
	r.Post("/stop", a.Stop)
	r.Post("/execute", a.Execute)
	r.Post("/reset-daily", a.ResetDaily)
	r.Post("/config/reload", a.ReloadConfig)
	r.Get("/databases", a.Databases)
	r.Get("/databases/stats", a.DatabaseStats)
	r.Get("/assignments", a.Assignments)
	r.Get("/runs", a.Runs)
	r.Get("/runs/{id}", a.Run)
	r.Get("/logs", a.Logs)
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State   quota.State `json:"state"`
	Usage   quota.Usage `json:"usage"`
	Running bool        `json:"running"`
}

func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	state, err := a.Governor.State(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load state"))
		return
	}
	usage, err := a.Governor.Usage(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load usage"))
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{State: state, Usage: usage, Running: a.Runner.Busy()})
}

func (a *API) Usage(w http.ResponseWriter, r *http.Request) {
	usage, err := a.Governor.Usage(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load usage"))
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// StateChangeResponse answers /start and /stop.
type StateChangeResponse struct {
	Status  quota.Status `json:"status"`
	Message string       `json:"message"`
}

func (a *API) Start(w http.ResponseWriter, r *http.Request) {
	if err := a.Governor.ManualStart(r.Context()); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "start engine"))
		return
	}
	a.logger().Info("Engine started manually")
	a.writeState(w, r, "engine started")
}

func (a *API) Stop(w http.ResponseWriter, r *http.Request) {
	if err := a.Governor.ManualStop(r.Context()); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "stop engine"))
		return
	}
	a.logger().Info("Engine stopped manually")
	a.writeState(w, r, "engine stopped")
}

func (a *API) writeState(w http.ResponseWriter, r *http.Request, msg string) {
	state, err := a.Governor.State(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load state"))
		return
	}
	writeJSON(w, http.StatusOK, StateChangeResponse{Status: state.Status, Message: msg})
}

// ExecuteRequest is the optional body of POST /execute.
type ExecuteRequest struct {
	Limit int      `json:"limit"`
	Only  []string `json:"only"`
}

func (a *API) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, apperrors.NewBadRequest("invalid request body"))
		return
	}
	if req.Limit < 0 {
		respondWithError(w, r, apperrors.NewBadRequest("limit must not be negative"))
		return
	}
	if err := orchestrator.ValidateFilters(req.Only); err != nil {
		respondWithError(w, r, apperrors.NewBadRequest(err.Error()))
		return
	}

	ctx := a.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	log := a.logger()
	opts := orchestrator.RunOptions{Limit: req.Limit, Only: req.Only, Trigger: orchestrator.TriggerManual}
	err := a.Runner.Start(ctx, opts, func(rep *orchestrator.Report, err error) {
		if err != nil {
			log.Error("Background run failed", zap.Error(err))
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrBusy):
		respondWithError(w, r, apperrors.NewConflict(err.Error()))
		return
	case errors.Is(err, orchestrator.ErrNotRunnable):
		respondWithError(w, r, apperrors.NewLocked(err.Error()))
		return
	default:
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "start run"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (a *API) ResetDaily(w http.ResponseWriter, r *http.Request) {
	prev, err := a.Runner.Orchestrator().ResetDailyCounter(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "reset daily counter"))
		return
	}
	a.logger().Info("Daily counter reset", zap.Int("previous", prev))
	writeJSON(w, http.StatusOK, map[string]int{"previous_daily_calls": prev})
}

func (a *API) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	a.Settings.Reload()
	a.logger().Info("Settings reloaded")
	writeJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}

func (a *API) Databases(w http.ResponseWriter, r *http.Request) {
	names, err := a.Settings.Databases(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load databases"))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"databases": names})
}

// DatabaseStats is one entry of GET /databases/stats.
type DatabaseStats struct {
	Name        string                  `json:"name"`
	Assignments *store.AssignmentCounts `json:"assignments,omitempty"`
	Courts      *store.CourtCounts      `json:"courts,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

func (a *API) DatabaseStats(w http.ResponseWriter, r *http.Request) {
	names, err := a.Settings.Databases(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load databases"))
		return
	}

	out := make([]DatabaseStats, 0, len(names))
	for _, name := range names {
		out = append(out, a.databaseStats(r.Context(), name))
	}
	writeJSON(w, http.StatusOK, map[string][]DatabaseStats{"databases": out})
}

func (a *API) databaseStats(ctx context.Context, name string) DatabaseStats {
	st := DatabaseStats{Name: name}
	db, err := a.Opener.Open(ctx, name)
	if err != nil {
		st.Error = fmt.Sprintf("open: %v", err)
		return st
	}
	defer func() { _ = db.Close() }()

	assignments, err := store.CountAssignments(ctx, db)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	courts, err := store.CountCourts(ctx, db)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Assignments = &assignments
	st.Courts = &courts
	return st
}

func (a *API) Assignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("database")
	if name == "" {
		respondWithError(w, r, apperrors.NewBadRequest("database is required"))
		return
	}
	status := q.Get("status")
	switch status {
	case "", "assigned", "unresolved":
	default:
		respondWithError(w, r, apperrors.NewBadRequest("status must be assigned or unresolved"))
		return
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("invalid limit"))
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("invalid offset"))
		return
	}

	names, err := a.Settings.Databases(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load databases"))
		return
	}
	if !slices.Contains(names, name) {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("database %q is not configured", name)))
		return
	}

	db, err := a.Opener.Open(r.Context(), name)
	if err != nil {
		respondWithError(w, r, apperrors.NewExternalServiceError(fmt.Sprintf("open database %q", name)))
		return
	}
	defer func() { _ = db.Close() }()

	rows, err := store.ListAssignments(r.Context(), db, store.AssignmentFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list assignments"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"database": name, "assignments": rows})
}

func (a *API) Runs(w http.ResponseWriter, r *http.Request) {
	if a.Control == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("run history requires a control database"))
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), defaultRunsLimit)
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("invalid limit"))
		return
	}
	runs, err := runlog.List(r.Context(), a.Control, limit)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list runs"))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]runlog.Run{"runs": runs})
}

// RunResponse is the body of GET /runs/{id}.
type RunResponse struct {
	Run    *runlog.Run    `json:"run"`
	Events []runlog.Event `json:"events"`
}

func (a *API) Run(w http.ResponseWriter, r *http.Request) {
	if a.Control == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("run history requires a control database"))
		return
	}
	id := chi.URLParam(r, "id")
	run, err := runlog.Get(r.Context(), a.Control, id)
	if errors.Is(err, runlog.ErrRunNotFound) {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("run %q not found", id)))
		return
	}
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "get run"))
		return
	}
	events, err := runlog.ListEvents(r.Context(), a.Control, id)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list run events"))
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: run, Events: events})
}

// intParam parses a non-negative query value capped at maxPageSize.
func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return min(n, maxPageSize), nil
}

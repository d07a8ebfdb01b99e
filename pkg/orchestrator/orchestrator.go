// Package orchestrator runs the full cycle: for every configured database,
// reconcile court coordinates and then assign courts to pending claims.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/pkg/assign"
	"github.com/3leaps/courtsync/pkg/courtsync"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/report"
	"github.com/3leaps/courtsync/pkg/runlog"
	"github.com/3leaps/courtsync/pkg/store"
)

// ErrNotRunnable is returned by RunFullCycle when the governor refuses to
// start (manual stop or exhausted quota). The state is left untouched.
var ErrNotRunnable = errors.New("engine is not runnable")

// Trigger values recorded with each run.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerCLI      = "cli"
)

// DatabaseSource lists the databases to process.
type DatabaseSource interface {
	Databases(ctx context.Context) ([]string, error)
}

// Config wires an Orchestrator.
type Config struct {
	Governor     *quota.Governor
	Databases    DatabaseSource
	Opener       Opener
	Synchronizer *courtsync.Synchronizer
	Engine       *assign.Engine

	// RunLog is the control database runs are recorded in. Nil disables it.
	RunLog *sqlx.DB

	// Archiver stores each finished report. Nil disables archiving.
	Archiver report.Archiver

	Logger *zap.Logger
}

// RunOptions bound one cycle.
type RunOptions struct {
	// Limit caps the claims read per database. Zero reads all.
	Limit int

	// Only keeps databases whose name matches any of these doublestar globs.
	Only []string

	Trigger string

	// OnDatabase, when set, is called after each database with the number
	// processed so far. It runs on the run's goroutine.
	OnDatabase func(runID string, done int, d DatabaseReport)
}

// Orchestrator drives full cycles.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Governor == nil:
		return nil, errors.New("orchestrator: governor is required")
	case cfg.Databases == nil:
		return nil, errors.New("orchestrator: database source is required")
	case cfg.Opener == nil:
		return nil, errors.New("orchestrator: opener is required")
	case cfg.Synchronizer == nil:
		return nil, errors.New("orchestrator: synchronizer is required")
	case cfg.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: logger, now: time.Now}, nil
}

// ValidateFilters reports the first invalid glob in only.
func ValidateFilters(only []string) error {
	for _, p := range only {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid database filter %q", p)
		}
	}
	return nil
}

// RunFullCycle processes every database once. Per-database failures are
// recorded on the report and the loop continues; quota exhaustion stops the
// run and leaves the state at NO_API_CREDITS. The returned error is set
// only when the run could not start or failed as a whole.
func (o *Orchestrator) RunFullCycle(ctx context.Context, opts RunOptions) (*Report, error) {
	if err := ValidateFilters(opts.Only); err != nil {
		return nil, err
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	gov := o.cfg.Governor

	ok, reason, err := gov.CanRun(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.logger.Info("Run refused", zap.String("reason", reason), zap.String("trigger", opts.Trigger))
		return nil, fmt.Errorf("%w: %s", ErrNotRunnable, reason)
	}

	rep := &Report{Trigger: opts.Trigger, StartedAt: o.now(), Databases: []DatabaseReport{}}
	rep.RunID = o.startRun(ctx, rep)
	log := o.logger.With(zap.String("run_id", rep.RunID))

	names, err := o.cfg.Databases.Databases(ctx)
	if err != nil {
		err = fmt.Errorf("load database list: %w", err)
		o.failRun(ctx, log, rep, err)
		return rep, err
	}
	names = FilterNames(names, opts.Only)

	if err := gov.BeginRun(ctx); err != nil {
		o.failRun(ctx, log, rep, err)
		return rep, err
	}
	log.Info("Run started", zap.String("trigger", opts.Trigger), zap.Int("databases", len(names)))

	var quotaErr error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			o.failRun(ctx, log, rep, err)
			return rep, err
		}

		d := o.processDatabase(ctx, log, name, opts)
		rep.add(d.DatabaseReport)
		o.recordDatabase(ctx, rep.RunID, d)
		if opts.OnDatabase != nil {
			opts.OnDatabase(rep.RunID, len(rep.Databases), d.DatabaseReport)
		}

		if d.err == nil {
			continue
		}
		if quota.IsProviderQuotaError(d.err) {
			quotaErr = d.err
			break
		}
		if errors.Is(d.err, context.Canceled) || errors.Is(d.err, context.DeadlineExceeded) {
			o.failRun(ctx, log, rep, d.err)
			return rep, d.err
		}
	}

	if quotaErr != nil {
		rep.Status = runlog.RunStatusNoCredits
		rep.Error = quotaErr.Error()
		if err := gov.MarkNoCredits(ctx, quotaErr.Error()); err != nil {
			log.Error("Failed to record quota exhaustion", zap.Error(err))
		}
		o.event(ctx, rep.RunID, runlog.EventTypeQuotaExhausted, runlog.EventCategoryQuota, "", quotaErr.Error())
	} else {
		rep.Status = runlog.RunStatusSuccess
		if len(rep.Failed()) > 0 {
			rep.Status = runlog.RunStatusPartial
		}
		if err := gov.FinishRun(ctx); err != nil {
			log.Error("Failed to record run completion", zap.Error(err))
		}
	}

	o.finishRun(ctx, log, rep)
	return rep, nil
}

// ResetDailyCounter zeroes the daily api counter and returns its previous value.
func (o *Orchestrator) ResetDailyCounter(ctx context.Context) (int, error) {
	return o.cfg.Governor.ResetDailyCounter(ctx)
}

type databaseResult struct {
	DatabaseReport
	err error
}

// processDatabase is the per-database fault boundary: errors and panics
// are captured on the result.
func (o *Orchestrator) processDatabase(ctx context.Context, log *zap.Logger, name string, opts RunOptions) (res databaseResult) {
	start := o.now()
	res.Name = name
	res.StartedAt = start
	dlog := log.With(zap.String("db", name))

	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
		}
		res.DurationMS = o.now().Sub(start).Milliseconds()
		switch {
		case res.err == nil:
			res.Status = DatabaseOK
			dlog.Info("Database finished",
				zap.Int("claims", res.Claims.Total),
				zap.Int("assigned", res.Claims.Success),
				zap.Int("courts_geocoded", res.Courts.Geocoded+res.Courts.Regeocoded))
		case quota.IsProviderQuotaError(res.err):
			res.Status = DatabaseQuota
			res.Error = res.err.Error()
			dlog.Warn("Quota exhausted, stopping run", zap.Error(res.err))
		default:
			res.Status = DatabaseFailed
			res.Error = res.err.Error()
			dlog.Error("Database failed", zap.Error(res.err))
		}
	}()

	db, err := o.cfg.Opener.Open(ctx, name)
	if err != nil {
		res.err = fmt.Errorf("open: %w", err)
		return res
	}
	defer func() { _ = db.Close() }()

	if err := store.Migrate(ctx, db); err != nil {
		res.err = fmt.Errorf("migrate: %w", err)
		return res
	}

	res.Courts, err = o.cfg.Synchronizer.Sync(ctx, name, db)
	if err != nil {
		res.err = fmt.Errorf("sync courts: %w", err)
		return res
	}

	res.Claims, err = o.cfg.Engine.Run(ctx, name, db, assign.Options{Limit: opts.Limit})
	if err != nil {
		res.err = fmt.Errorf("assign claims: %w", err)
		return res
	}
	return res
}

// FilterNames keeps names matching any of the only globs. No globs keeps all.
func FilterNames(names, only []string) []string {
	if len(only) == 0 {
		return names
	}
	var out []string
	for _, n := range names {
		for _, p := range only {
			if ok, _ := doublestar.Match(p, n); ok {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// startRun records the run and returns its id. Run history is best effort.
func (o *Orchestrator) startRun(ctx context.Context, rep *Report) string {
	if o.cfg.RunLog == nil {
		return "run_" + uuid.NewString()
	}
	run, err := runlog.Create(ctx, o.cfg.RunLog, rep.Trigger, rep.StartedAt)
	if err != nil {
		o.logger.Warn("Failed to record run start", zap.Error(err))
		return "run_" + uuid.NewString()
	}
	o.event(ctx, run.RunID, runlog.EventTypeRunStarted, runlog.EventCategoryInfo, "", rep.Trigger)
	return run.RunID
}

func (o *Orchestrator) recordDatabase(ctx context.Context, runID string, d databaseResult) {
	if d.err == nil {
		detail := fmt.Sprintf("%d claims, %d assigned, %d skipped, %d courts geocoded",
			d.Claims.Total, d.Claims.Success, d.Claims.Skipped, d.Courts.Geocoded+d.Courts.Regeocoded)
		o.event(ctx, runID, runlog.EventTypeDatabaseDone, runlog.EventCategoryInfo, d.Name, detail)
		return
	}
	category := runlog.EventCategoryError
	if d.Status == DatabaseQuota {
		category = runlog.EventCategoryQuota
	}
	o.event(ctx, runID, runlog.EventTypeDatabaseFailed, category, d.Name, d.Error)
}

func (o *Orchestrator) event(ctx context.Context, runID string, typ runlog.EventType, category runlog.EventCategory, dbName, detail string) {
	if o.cfg.RunLog == nil {
		return
	}
	e := runlog.Event{RunID: runID, OccurredAt: o.now(), Type: typ, Category: category}
	if dbName != "" {
		e.Database = &dbName
	}
	if detail != "" {
		e.Detail = &detail
	}
	if err := runlog.RecordEvent(context.WithoutCancel(ctx), o.cfg.RunLog, e); err != nil {
		o.logger.Warn("Failed to record run event", zap.String("run_id", runID), zap.Error(err))
	}
}

func (o *Orchestrator) failRun(ctx context.Context, log *zap.Logger, rep *Report, cause error) {
	rep.Status = runlog.RunStatusFailed
	rep.Error = cause.Error()
	// The state must leave RUNNING even when ctx is already cancelled.
	if err := o.cfg.Governor.FailRun(context.WithoutCancel(ctx), cause); err != nil {
		log.Error("Failed to record run failure", zap.Error(err))
	}
	o.finishRun(ctx, log, rep)
}

func (o *Orchestrator) finishRun(ctx context.Context, log *zap.Logger, rep *Report) {
	rep.FinishedAt = o.now()
	ctx = context.WithoutCancel(ctx)

	if o.cfg.Archiver != nil {
		loc, err := report.Save(ctx, o.cfg.Archiver, rep.RunID, rep.StartedAt, rep)
		if err != nil {
			log.Warn("Failed to archive run report", zap.Error(err))
		} else {
			rep.Archive = loc
		}
	}

	if o.cfg.RunLog != nil {
		o.event(ctx, rep.RunID, runlog.EventTypeRunCompleted, runlog.EventCategoryInfo, "", string(rep.Status))
		summary, err := report.Encode(rep)
		if err != nil {
			log.Warn("Failed to encode run summary", zap.Error(err))
		}
		if err := runlog.Finish(ctx, o.cfg.RunLog, rep.RunID, rep.Status, rep.Error, summary, rep.FinishedAt); err != nil {
			log.Warn("Failed to record run end", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("status", string(rep.Status)),
		zap.Int("databases", len(rep.Databases)),
		zap.Int("failed", len(rep.Failed())),
		zap.Int("claims", rep.Totals.Total),
		zap.Int("assigned", rep.Totals.Success),
		zap.Int("skipped", rep.Totals.Skipped),
		zap.Int("calls_saved", rep.Totals.CallsSaved()),
		zap.Int("courts_geocoded", rep.CourtsGeocoded),
		zap.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if rep.Error != "" {
		fields = append(fields, zap.String("error", rep.Error))
	}
	log.Info("Run finished", fields...)
}

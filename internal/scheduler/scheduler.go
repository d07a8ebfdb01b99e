// Package scheduler triggers full cycles on the hour inside a weekday window
// and resets the daily counter once a day.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/courtsync/pkg/orchestrator"
)

// Job is what fires at a scheduled instant.
type Job string

const (
	JobReset Job = "reset_daily"
	JobRun   Job = "run"
)

// Runner runs one cycle. orchestrator.Serial implements it.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.RunOptions) (*orchestrator.Report, error)
}

// Resetter zeroes the daily counter.
type Resetter interface {
	ResetDailyCounter(ctx context.Context) (int, error)
}

type Config struct {
	Location  *time.Location
	Weekdays  []time.Weekday
	StartHour int
	EndHour   int
	ResetHour int
}

// Scheduler fires jobs at the top of the hour.
type Scheduler struct {
	cfg      Config
	runner   Runner
	resetter Resetter
	logger   *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New validates cfg. A nil Location means UTC.
func New(cfg Config, runner Runner, resetter Resetter, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil || resetter == nil {
		return nil, errors.New("scheduler: runner and resetter are required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	for _, h := range []int{cfg.StartHour, cfg.EndHour, cfg.ResetHour} {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("scheduler: hour %d out of range", h)
		}
	}
	if cfg.StartHour > cfg.EndHour {
		return nil, fmt.Errorf("scheduler: start hour %d after end hour %d", cfg.StartHour, cfg.EndHour)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		resetter: resetter,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays accepts three-letter or full English day names.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Next returns the first top-of-hour instant strictly after t that has
// jobs, and those jobs. A reset is listed before a run at the same instant.
func (s *Scheduler) Next(t time.Time) (time.Time, []Job) {
	local := t.In(s.cfg.Location)
	base := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.cfg.Location)
	// Eight days covers every weekday plus the reset hour.
	for i := 1; i <= 8*24; i++ {
		at := time.Date(base.Year(), base.Month(), base.Day(), base.Hour()+i, 0, 0, 0, s.cfg.Location)
		if !at.After(t) {
			continue
		}
		if jobs := s.jobsAt(at); len(jobs) > 0 {
			return at, jobs
		}
	}
	return time.Time{}, nil
}

func (s *Scheduler) jobsAt(at time.Time) []Job {
	var jobs []Job
	if at.Hour() == s.cfg.ResetHour {
		jobs = append(jobs, JobReset)
	}
	if slices.Contains(s.cfg.Weekdays, at.Weekday()) && at.Hour() >= s.cfg.StartHour && at.Hour() <= s.cfg.EndHour {
		jobs = append(jobs, JobRun)
	}
	return jobs
}

// Run fires jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.String("timezone", s.cfg.Location.String()),
		zap.Int("start_hour", s.cfg.StartHour),
		zap.Int("end_hour", s.cfg.EndHour),
		zap.Int("reset_hour", s.cfg.ResetHour))

	for {
		if ctx.Err() != nil {
			return nil
		}
		now := s.now()
		at, jobs := s.Next(now)
		if len(jobs) == 0 {
			return errors.New("scheduler: no upcoming jobs")
		}
		s.logger.Debug("Next scheduled jobs", zap.Time("at", at), zap.Any("jobs", jobs))

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(at.Sub(now)):
		}
		for _, j := range jobs {
			if ctx.Err() != nil {
				return nil
			}
			s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j Job) {
	switch j {
	case JobReset:
		prev, err := s.resetter.ResetDailyCounter(ctx)
		if err != nil {
			s.logger.Error("Scheduled daily reset failed", zap.Error(err))
			return
		}
		s.logger.Info("Scheduled daily reset", zap.Int("previous_calls", prev))
	case JobRun:
		rep, err := s.runner.Run(ctx, orchestrator.RunOptions{Trigger: orchestrator.TriggerSchedule})
		switch {
		case errors.Is(err, orchestrator.ErrBusy):
			s.logger.Info("Scheduled run skipped, a run is in progress")
		case errors.Is(err, orchestrator.ErrNotRunnable):
			s.logger.Info("Scheduled run skipped", zap.Error(err))
		case err != nil:
			s.logger.Error("Scheduled run failed", zap.Error(err))
		default:
			s.logger.Info("Scheduled run finished", zap.String("run_id", rep.RunID), zap.String("status", string(rep.Status)))
		}
	}
}

package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDailyLimit   = 700
	DefaultMonthlyLimit = 8000
	DefaultTimezone     = "America/Bogota"

	// warnRatio of the monthly limit triggers a warning on every call.
	warnRatio = 0.8
)

// Limits caps external calls. A limit <= 0 disables that check.
type Limits struct {
	Daily   int `json:"daily" yaml:"daily" mapstructure:"daily"`
	Monthly int `json:"monthly" yaml:"monthly" mapstructure:"monthly"`
}

// DefaultLimits returns the limits used when no source is configured.
func DefaultLimits() Limits {
	return Limits{Daily: DefaultDailyLimit, Monthly: DefaultMonthlyLimit}
}

// LimitSource supplies the current limits. Settings providers implement it.
type LimitSource interface {
	Limits(ctx context.Context) (Limits, error)
}

// StaticLimits is a LimitSource that never changes.
type StaticLimits Limits

func (l StaticLimits) Limits(context.Context) (Limits, error) { return Limits(l), nil }

// Governor meters external calls and owns the run-state transitions.
type Governor struct {
	store  Store
	limits LimitSource
	now    func() time.Time
	loc    *time.Location
	logger *zap.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLocation sets the timezone for month markers and timestamps.
func WithLocation(loc *time.Location) Option {
	return func(g *Governor) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGovernor returns a governor over store. A nil limits source means DefaultLimits.
func NewGovernor(store Store, limits LimitSource, opts ...Option) *Governor {
	if limits == nil {
		limits = StaticLimits(DefaultLimits())
	}
	g := &Governor{
		store:  store,
		limits: limits,
		now:    time.Now,
		loc:    time.UTC,
		logger: zap.NewNop(),
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		g.loc = loc
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) clock() time.Time {
	return g.now().In(g.loc)
}

func (g *Governor) currentLimits(ctx context.Context) Limits {
	limits, err := g.limits.Limits(ctx)
	if err != nil {
		g.logger.Warn("Failed to load api limits, using defaults", zap.Error(err))
		return DefaultLimits()
	}
	return limits
}

// rollMonth resets the monthly counter and the exceeded flag when the
// calendar month has changed since the last call.
func (g *Governor) rollMonth(s *State, now time.Time) {
	month := monthKey(now)
	if s.CurrentMonth == month {
		return
	}
	if s.CurrentMonth != "" {
		g.logger.Info("New month detected, resetting monthly counter",
			zap.String("previous_month", s.CurrentMonth),
			zap.String("month", month),
			zap.Int("previous_calls", s.MonthlyCalls))
	}
	s.MonthlyCalls = 0
	s.CurrentMonth = month
	s.QuotaExceeded = false
}

// BeforeExternalCall counts one call against both limits. It must be called
// before every provider request; a non-nil error means the request must not
// be sent. Breaches return *QuotaExceededError and leave the call counted.
func (g *Governor) BeforeExternalCall(ctx context.Context) error {
	limits := g.currentLimits(ctx)
	now := g.clock()

	var exceeded *QuotaExceededError
	state, err := g.store.Update(ctx, func(s *State) error {
		exceeded = nil
		g.rollMonth(s, now)

		s.DailyCalls++
		s.MonthlyCalls++

		if limits.Monthly > 0 && s.MonthlyCalls >= limits.Monthly {
			s.QuotaExceeded = true
			exceeded = &QuotaExceededError{Scope: ScopeMonthly, Used: s.MonthlyCalls, Limit: limits.Monthly}
			return nil
		}
		if limits.Daily > 0 && s.DailyCalls >= limits.Daily {
			s.QuotaExceeded = true
			exceeded = &QuotaExceededError{Scope: ScopeDaily, Used: s.DailyCalls, Limit: limits.Daily}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update engine state: %w", err)
	}

	if exceeded != nil {
		if exceeded.Scope == ScopeMonthly {
			g.logger.Error("Monthly api limit reached", zap.Int("calls", exceeded.Used), zap.Int("limit", exceeded.Limit))
		} else {
			g.logger.Warn("Daily api limit reached, halted until the daily reset", zap.Int("calls", exceeded.Used), zap.Int("limit", exceeded.Limit))
		}
		return exceeded
	}

	if limits.Monthly > 0 && float64(state.MonthlyCalls) >= float64(limits.Monthly)*warnRatio {
		g.logger.Warn("Monthly api usage above 80%",
			zap.Int("calls", state.MonthlyCalls),
			zap.Int("limit", limits.Monthly),
			zap.Float64("percentage", percentage(state.MonthlyCalls, limits.Monthly)))
	}
	return nil
}

// CanRun reports whether a batch may start, and why not when it may not.
// The month rollover is applied first, so a new month clears a monthly breach.
func (g *Governor) CanRun(ctx context.Context) (bool, string, error) {
	now := g.clock()
	state, err := g.store.Update(ctx, func(s *State) error {
		if s.CurrentMonth == "" || s.CurrentMonth == monthKey(now) {
			// Nothing to roll; abort the write.
			return errNoChange
		}
		g.rollMonth(s, now)
		return nil
	})
	if errors.Is(err, errNoChange) {
		state, err = g.store.Load(ctx)
	}
	if err != nil {
		return false, "", fmt.Errorf("load engine state: %w", err)
	}

	if state.ManualStop {
		return false, ReasonManualStop, nil
	}
	if state.QuotaExceeded {
		return false, ReasonQuotaExceeded, nil
	}
	return true, "OK", nil
}

const (
	ReasonManualStop    = "stopped manually"
	ReasonQuotaExceeded = "maps api quota exhausted"
)

var errNoChange = errors.New("no change")

// State returns the persisted state.
func (g *Governor) State(ctx context.Context) (State, error) {
	return g.store.Load(ctx)
}

// MarkNoCredits records provider-side quota exhaustion.
func (g *Governor) MarkNoCredits(ctx context.Context, message string) error {
	if message == "" {
		message = "maps api credits exhausted"
	}
	now := g.clock()
	_, err := g.store.Update(ctx, func(s *State) error {
		s.Status = StatusNoAPICredits
		s.QuotaExceeded = true
		s.LastExecution = &now
		s.LastError = &ErrorInfo{Message: message, Timestamp: now}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark no credits: %w", err)
	}
	g.logger.Error("Maps api credits exhausted", zap.String("reason", message))
	return nil
}

// ManualStop blocks future runs until ManualStart.
func (g *Governor) ManualStop(ctx context.Context) error {
	_, err := g.store.Update(ctx, func(s *State) error {
		s.Status = StatusStopped
		s.ManualStop = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("manual stop: %w", err)
	}
	g.logger.Info("Engine stopped manually")
	return nil
}

// ManualStart clears the manual stop and the exceeded flag. Status stays
// STOPPED; runs are started by the scheduler or an operator.
func (g *Governor) ManualStart(ctx context.Context) error {
	_, err := g.store.Update(ctx, func(s *State) error {
		s.Status = StatusStopped
		s.ManualStop = false
		s.QuotaExceeded = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("manual start: %w", err)
	}
	g.logger.Info("Engine started manually")
	return nil
}

// ResetDailyCounter zeroes the daily counter, clears the exceeded flag and
// returns the previous daily count.
func (g *Governor) ResetDailyCounter(ctx context.Context) (int, error) {
	var previous int
	_, err := g.store.Update(ctx, func(s *State) error {
		previous = s.DailyCalls
		s.DailyCalls = 0
		s.QuotaExceeded = false
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset daily counter: %w", err)
	}
	g.logger.Info("Daily api counter reset", zap.Int("previous_calls", previous))
	return previous, nil
}

// BeginRun moves the state to RUNNING.
func (g *Governor) BeginRun(ctx context.Context) error {
	return g.transition(ctx, StatusRunning, "")
}

// FinishRun moves the state to STOPPED after a clean run.
func (g *Governor) FinishRun(ctx context.Context) error {
	return g.transition(ctx, StatusStopped, "")
}

// FailRun moves the state to ERROR with the causing message.
func (g *Governor) FailRun(ctx context.Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return g.transition(ctx, StatusError, msg)
}

func (g *Governor) transition(ctx context.Context, status Status, message string) error {
	now := g.clock()
	_, err := g.store.Update(ctx, func(s *State) error {
		s.Status = status
		s.LastExecution = &now
		if message != "" {
			s.LastError = &ErrorInfo{Message: message, Timestamp: now}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrBusy is returned when a cycle is already in progress.
var ErrBusy = errors.New("a run is already in progress")

// Serial lets at most one cycle run at a time across the API and the
// scheduler.
type Serial struct {
	o       *Orchestrator
	running atomic.Bool
}

// NewSerial wraps o.
func NewSerial(o *Orchestrator) *Serial {
	return &Serial{o: o}
}

// Orchestrator returns the wrapped orchestrator.
func (s *Serial) Orchestrator() *Orchestrator {
	return s.o
}

// Busy reports whether a cycle is running.
func (s *Serial) Busy() bool {
	return s.running.Load()
}

// Run runs one cycle in the caller's goroutine, or returns ErrBusy.
func (s *Serial) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.running.Store(false)
	return s.o.RunFullCycle(ctx, opts)
}

// Start checks that a cycle may run and then runs it in the background.
// done, if set, receives the outcome. Start returns ErrBusy, ErrNotRunnable
// or a filter error without starting anything.
func (s *Serial) Start(ctx context.Context, opts RunOptions, done func(*Report, error)) error {
	if err := ValidateFilters(opts.Only); err != nil {
		return err
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}

	ok, reason, err := s.o.cfg.Governor.CanRun(ctx)
	if err != nil {
		s.running.Store(false)
		return err
	}
	if !ok {
		s.running.Store(false)
		return fmt.Errorf("%w: %s", ErrNotRunnable, reason)
	}

	go func() {
		defer s.running.Store(false)
		rep, err := s.o.RunFullCycle(ctx, opts)
		if done != nil {
			done(rep, err)
		}
	}()
	return nil
}

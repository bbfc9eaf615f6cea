// Package sweep drives the background expiry passes over the confirmation
// and question stores. The cadence is a cron expression (descriptors like
// "@every 30s" included) so a run can slow sweeps down for long-lived
// interactive sessions.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus @descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Func performs one expiry pass. Errors are logged, never fatal: the next
// tick retries.
type Func func(ctx context.Context) error

// Config holds the dependencies for a Sweeper.
type Config struct {
	Schedule string
	Sweep    Func
	Logger   *slog.Logger
}

// Sweeper fires the sweep function on its schedule until stopped.
type Sweeper struct {
	schedule cronlib.Schedule
	spec     string
	sweep    Func
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the schedule and builds a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		schedule: schedule,
		spec:     cfg.Schedule,
		sweep:    cfg.Sweep,
		logger:   logger,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "schedule", s.spec)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if err := s.sweep(ctx); err != nil {
		s.logger.Error("sweep pass failed", "error", err)
	}
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepScheduler runs the reconciler on a cron schedule.
type SweepScheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time
}

func NewSweepScheduler(reconciler *Reconciler, logger *slog.Logger) *SweepScheduler {
	return &SweepScheduler{
		cron:       cron.New(),
		reconciler: reconciler,
		logger:     logger,
		timeout:    time.Minute,
		now:        time.Now,
	}
}

// Schedule registers the sweep under a cron spec such as "@every 30s".
func (s *SweepScheduler) Schedule(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

func (s *SweepScheduler) Start() {
	s.cron.Start()
	s.logger.Info("sweep scheduler started")
}

func (s *SweepScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("sweep scheduler stopped")
}

// RunOnce performs a single sweep of every due window. Panics are recovered
// so one bad sweep never stops the schedule.
func (s *SweepScheduler) RunOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panic recovered", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	closed, err := s.reconciler.Sweep(ctx, s.now(), "")
	if err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
		return
	}
	if len(closed) > 0 {
		s.logger.Info("scheduled sweep finished", "closed", len(closed))
	}
}

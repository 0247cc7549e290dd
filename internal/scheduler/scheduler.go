// Package scheduler runs the wall-clock maintenance jobs of the trader.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DailyResetter zeroes the daily P&L counter.
type DailyResetter interface {
	ResetDaily(ctx context.Context)
}

// HaltCleaner removes expired entries from the symbol halt list.
type HaltCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// StrategyPruner deletes strategy states and regime readings older than
// cutoff, sparing the newest keep readings.
type StrategyPruner interface {
	PruneStrategyHistory(ctx context.Context, cutoff time.Time, keep int) (int64, error)
}

// StatsReporter logs cumulative cache counters.
type StatsReporter interface {
	LogStats()
}

// Scheduler owns the cron runner. Schedules are evaluated in UTC.
type Scheduler struct {
	cron       *cron.Cron
	ctx        context.Context
	jobTimeout time.Duration
	logger     *logrus.Logger
}

// NewScheduler creates a scheduler whose jobs run under ctx.
func NewScheduler(ctx context.Context, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logger))),
		),
		ctx:        ctx,
		jobTimeout: time.Minute,
		logger:     logger,
	}
}

// RegisterDailyReset runs ResetDaily on spec, "0 0 * * *" by default.
func (s *Scheduler) RegisterDailyReset(spec string, resetter DailyResetter) error {
	if spec == "" {
		spec = "0 0 * * *"
	}
	if _, err := s.cron.AddFunc(spec, s.wrap("daily_reset", func(ctx context.Context) error {
		resetter.ResetDaily(ctx)
		return nil
	})); err != nil {
		return fmt.Errorf("register daily reset: %w", err)
	}
	return nil
}

// RegisterHaltCleanup prunes expired halt-list rows on spec.
func (s *Scheduler) RegisterHaltCleanup(spec string, cleaner HaltCleaner) error {
	if spec == "" {
		spec = "@hourly"
	}
	if _, err := s.cron.AddFunc(spec, s.wrap("halt_cleanup", func(ctx context.Context) error {
		removed, err := cleaner.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.logger.WithField("removed", removed).Info("Expired halted symbols removed")
		}
		return nil
	})); err != nil {
		return fmt.Errorf("register halt cleanup: %w", err)
	}
	return nil
}

// RegisterStrategyPrune deletes strategy rows older than retention on spec.
// The newest keep regime readings are never pruned.
func (s *Scheduler) RegisterStrategyPrune(spec string, retention time.Duration, keep int, pruner StrategyPruner) error {
	if spec == "" {
		spec = "@hourly"
	}
	if retention <= 0 {
		return fmt.Errorf("register strategy prune: retention must be positive, got %s", retention)
	}
	if _, err := s.cron.AddFunc(spec, s.wrap("strategy_prune", func(ctx context.Context) error {
		removed, err := pruner.PruneStrategyHistory(ctx, time.Now().UTC().Add(-retention), keep)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.logger.WithFields(logrus.Fields{
				"removed":   removed,
				"retention": retention.String(),
			}).Info("Old strategy history pruned")
		}
		return nil
	})); err != nil {
		return fmt.Errorf("register strategy prune: %w", err)
	}
	return nil
}

// RegisterStatsReport logs every reporter's counters on spec.
func (s *Scheduler) RegisterStatsReport(spec string, reporters ...StatsReporter) error {
	if spec == "" {
		spec = "@hourly"
	}
	if _, err := s.cron.AddFunc(spec, s.wrap("stats_report", func(ctx context.Context) error {
		for _, r := range reporters {
			r.LogStats()
		}
		return nil
	})); err != nil {
		return fmt.Errorf("register stats report: %w", err)
	}
	return nil
}

// Start starts the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.cron.Entries())).Info("Scheduler started")
}

// Stop stops the runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Entries exposes the registered jobs for inspection.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

func (s *Scheduler) wrap(name string, job func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.WithFields(logrus.Fields{
				"component": "scheduler",
				"job":       name,
			}).WithError(err).Error("Scheduled job failed")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"component": "scheduler",
			"job":       name,
			"duration":  time.Since(start).String(),
		}).Debug("Scheduled job finished")
	}
}

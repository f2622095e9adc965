// Package scheduler periodically launches pending processing requests,
// backing off while too many runs are in flight.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/iago/dataflow-batch/internal/domain"
	"github.com/iago/dataflow-batch/internal/launcher"
	"github.com/iago/dataflow-batch/internal/metrics"
)

type PendingSource interface {
	FindPending(ctx context.Context, limit int) ([]domain.PendingItem, error)
}

type RunningCounter interface {
	CountRunning(ctx context.Context) (int, error)
}

type Launcher interface {
	RunIfNotRunning(ctx context.Context, jobName, requestID string, extra map[string]string) (launcher.LaunchResult, error)
}

type Config struct {
	Interval         time.Duration
	RunningThreshold int
	QueryLimit       int
}

// CycleReport summarizes one trigger.
type CycleReport struct {
	Running        int
	BackPressure   bool
	Pending        int
	Launched       int
	SkippedRunning int
	Failed         int
}

type Scheduler struct {
	pending  PendingSource
	running  RunningCounter
	launcher Launcher
	metrics  *metrics.Collectors
	logger   *log.Logger
	cfg      Config
}

func New(pending PendingSource, running RunningCounter, l Launcher, m *metrics.Collectors, logger *log.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RunningThreshold <= 0 {
		cfg.RunningThreshold = 10
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = 50
	}
	return &Scheduler{pending: pending, running: running, launcher: l, metrics: m, logger: logger, cfg: cfg}
}

// Run triggers a cycle every interval. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logf("scheduler started interval=%s running_threshold=%d query_limit=%d", s.cfg.Interval, s.cfg.RunningThreshold, s.cfg.QueryLimit)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logf("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Trigger(ctx)
		}
	}
}

// Trigger runs one scheduling cycle. A failing item never stops the others.
func (s *Scheduler) Trigger(ctx context.Context) CycleReport {
	var report CycleReport

	running, err := s.running.CountRunning(ctx)
	if err != nil {
		s.logf("scheduler cycle aborted: count running err=%v", err)
		return report
	}
	report.Running = running
	if running > s.cfg.RunningThreshold {
		report.BackPressure = true
		s.metrics.IncSchedulerTrigger(metrics.ResultBackPressure)
		s.logf("scheduler back-pressure running=%d threshold=%d", running, s.cfg.RunningThreshold)
		return report
	}

	items, err := s.pending.FindPending(ctx, s.cfg.QueryLimit)
	if err != nil {
		s.logf("scheduler cycle aborted: find pending err=%v", err)
		return report
	}
	report.Pending = len(items)

	for _, item := range items {
		res, err := s.launcher.RunIfNotRunning(ctx, item.JobName, item.RequestID, nil)
		switch {
		case err != nil:
			report.Failed++
			s.metrics.IncSchedulerTrigger(metrics.ResultFailed)
			s.logf("scheduler launch failed job=%s request_id=%s err=%v", item.JobName, item.RequestID, err)
		case res.AlreadyRunning:
			report.SkippedRunning++
			s.metrics.IncSchedulerTrigger(metrics.ResultSkippedRunning)
		default:
			report.Launched++
			s.metrics.IncSchedulerTrigger(metrics.ResultLaunched)
		}
	}

	s.logf("scheduler cycle done pending=%d launched=%d skipped_running=%d failed=%d",
		report.Pending, report.Launched, report.SkippedRunning, report.Failed)
	return report
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

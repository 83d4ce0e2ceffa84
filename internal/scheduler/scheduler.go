// Package scheduler drives the engine's time-based work: due deferred
// actions and cron-scheduled workflows. All durable timer state lives in the
// store; the scheduler holds nothing across ticks beyond the in-flight set.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relvohq/automation/internal/store"
	"github.com/relvohq/automation/pkg/schema"
)

// DefaultTickInterval is the polling cadence when none is configured.
const DefaultTickInterval = 30 * time.Second

// TriggerRunner is the interface the scheduler uses to hand work to the
// engine. Satisfied by engine.Engine (avoids an import cycle).
type TriggerRunner interface {
	ProcessDue(ctx context.Context, now time.Time) []*store.ExecutionLogEntry
	FireScheduled(ctx context.Context, wf *schema.Workflow, now time.Time) []*store.ExecutionLogEntry
}

// Scheduler polls for due deferred executions and due scheduled workflows.
type Scheduler struct {
	store    store.Store
	runner   TriggerRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently firing (dedup)
}

// NewScheduler creates a Scheduler. interval <= 0 selects the default.
func NewScheduler(s store.Store, runner TriggerRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes due deferred executions, then fires every enabled scheduled
// workflow whose cron expression is due. Exported so tests and recovery can
// drive the loop directly.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.runner.ProcessDue(ctx, now)

	active := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		TriggerType: schema.TriggerScheduled,
		Active:      &active,
	})
	if err != nil {
		s.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return
	}

	for _, wf := range workflows {
		// A nil next_run_at means the workflow was never scheduled; fire it
		// and let the run bookkeeping establish the cadence.
		if wf.NextRunAt == nil || !wf.NextRunAt.After(now) {
			if !s.tryAcquire(wf.ID) {
				continue // still firing from a previous tick
			}
			s.fireWorkflow(ctx, wf, now)
			s.release(wf.ID)
		}
	}
}

// fireWorkflow runs one due scheduled workflow and advances its run times.
func (s *Scheduler) fireWorkflow(ctx context.Context, wf *schema.Workflow, now time.Time) {
	s.logger.Info("firing scheduled workflow",
		slog.String("workflow_id", wf.ID),
		slog.String("schedule", wf.ScheduleExpression))

	s.runner.FireScheduled(ctx, wf, now)

	nextRun, err := s.CalculateNextRun(wf.ScheduleExpression, now)
	if err != nil {
		s.logger.Error("invalid schedule expression",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
		return
	}
	if err := s.store.UpdateWorkflowRun(ctx, wf.ID, now, nextRun); err != nil {
		s.logger.Error("failed to update workflow run times",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
	}
}

// tryAcquire marks the workflow as in-flight unless it already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a 5-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires scheduled workflows whose next run time passed while
// the daemon was down. Called once on startup, before the loop begins.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := time.Now().UTC()
	active := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		TriggerType: schema.TriggerScheduled,
		Active:      &active,
		DueBefore:   &now,
	})
	if err != nil {
		return fmt.Errorf("list missed workflows: %w", err)
	}

	recovered := 0
	for _, wf := range workflows {
		if !s.tryAcquire(wf.ID) {
			continue
		}
		s.fireWorkflow(ctx, wf, now)
		s.release(wf.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed workflows", slog.Int("count", recovered))
	}
	return nil
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// SessionStarter is the interface the scheduler uses to launch workflow
// sessions. Satisfied by the engine Controller (avoids import cycle).
type SessionStarter interface {
	Start(ctx context.Context, workflowID, collabSessionID string) (*schema.WorkflowSession, error)
	EnableAutoExecute(ctx context.Context, sessionID string) error
}

// Scheduler polls the store for due scheduled runs and starts a fresh
// workflow session for each.
type Scheduler struct {
	store   store.Store
	starter SessionStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, starter SessionStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Schedule validates and persists a recurring run of a workflow.
// NextRunAt is computed from the cron expression immediately.
func (s *Scheduler) Schedule(ctx context.Context, run *store.ScheduledRun) (*store.ScheduledRun, error) {
	next, err := s.CalculateNextRun(run.CronExpression, time.Now().UTC())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchedule,
			"invalid cron expression %q: %s", run.CronExpression, err.Error()).WithCause(err)
	}
	if _, err := s.store.GetWorkflow(ctx, run.WorkflowID); err != nil {
		return nil, err
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Enabled = true
	run.NextRunAt = &next
	run.CreatedAt = time.Now().UTC()
	if err := s.store.CreateScheduledRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "scheduled run created",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("cron", run.CronExpression))
	return run, nil
}

// Unschedule removes a scheduled run.
func (s *Scheduler) Unschedule(ctx context.Context, runID string) error {
	return s.store.DeleteScheduledRun(ctx, runID)
}

// List returns scheduled runs matching the filter.
func (s *Scheduler) List(ctx context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	return s.store.ListScheduledRuns(ctx, filter)
}

// Start launches the background scheduling loop with a 60s ticker.
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
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled runs and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.After(now) {
			if !s.tryAcquire(run.ID) {
				continue // already firing (dedup)
			}
			if err := s.fire(ctx, run, now); err != nil {
				s.logger.Error("failed to fire scheduled run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(run.ID)
		}
	}
}

// fire starts one session for a due run and updates its timestamps.
func (s *Scheduler) fire(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("firing scheduled run",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
	)

	session, err := s.starter.Start(ctx, run.WorkflowID, run.CollabSessionID)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run start failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	} else if run.AutoExecute {
		if err := s.starter.EnableAutoExecute(ctx, session.ID); err != nil {
			status = "error"
			s.logger.Error("scheduled run auto-execute arm failed",
				slog.String("run_id", run.ID),
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return s.updateRunStatus(ctx, run, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the run as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

// release removes the run from the in-flight set.
func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// CalculateNextRun computes the next fire time for a cron expression.
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

// RecoverMissed checks for runs that missed their next_run_at and fires them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed runs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.Before(now) {
			if !s.tryAcquire(run.ID) {
				continue
			}
			if err := s.fire(ctx, run, now); err != nil {
				s.logger.Error("failed to recover missed run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
				s.release(run.ID)
				continue
			}
			s.release(run.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed runs", slog.Int("count", recovered))
	}
	return nil
}

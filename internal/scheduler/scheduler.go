// Package scheduler triggers non-interactive runs from cron specs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/internal/store"
)

// DefaultTick is how often due jobs are checked.
const DefaultTick = 60 * time.Second

// Job statuses recorded after each run.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// PromptRunner runs one prompt on behalf of a job and returns the run ID.
type PromptRunner interface {
	RunPrompt(ctx context.Context, prompt, jobID string) (runID string, err error)
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store  store.Store
	runner PromptRunner
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	// Tick overrides DefaultTick when positive. Set before Start.
	Tick time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing
}

// New creates a Scheduler.
func New(s store.Store, runner PromptRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Sync upserts one job per config entry and disables stored jobs that are
// no longer configured. Entries without a name are named after their cron
// spec. Invalid cron specs fail the whole sync before anything is written.
func (s *Scheduler) Sync(ctx context.Context, entries []config.ScheduleEntry) error {
	now := s.now()
	jobs := make([]*store.ScheduledJob, 0, len(entries))
	for _, e := range entries {
		next, err := s.CalculateNextRun(e.Cron, now)
		if err != nil {
			return err
		}
		name := e.Name
		if name == "" {
			name = e.Cron
		}
		jobs = append(jobs, &store.ScheduledJob{
			Name:           name,
			CronExpression: e.Cron,
			Prompt:         e.Prompt,
			Enabled:        true,
			NextRunAt:      &next,
		})
	}

	keep := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if err := s.store.UpsertScheduledJob(ctx, j); err != nil {
			return fmt.Errorf("sync job %q: %w", j.Name, err)
		}
		keep[j.ID] = true
	}

	existing, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}
	disabled := false
	for _, j := range existing {
		if keep[j.ID] || !j.Enabled {
			continue
		}
		if err := s.store.UpdateScheduledJob(ctx, j.ID, store.ScheduledJobUpdate{Enabled: &disabled}); err != nil {
			return fmt.Errorf("disable job %q: %w", j.Name, err)
		}
		s.logger.Info("scheduled job disabled", slog.String("job", j.Name))
	}
	s.logger.Info("scheduled jobs synced", slog.Int("count", len(jobs)))
	return nil
}

// Start launches the background scheduling loop.
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

	tick := s.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

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

// tick runs every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// runJob executes a scheduled job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job", job.Name),
		slog.String("cron", job.CronExpression),
	)

	runID, err := s.runner.RunPrompt(ctx, job.Prompt, job.ID)
	status := StatusSuccess
	if err != nil {
		status = StatusError
		s.logger.Error("scheduled run failed",
			slog.String("job", job.Name),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateJobStatus(ctx, job, now, status, runID)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status, runID string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.Name, err)
	}

	return s.store.UpdateScheduledJob(context.WithoutCancel(ctx), job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for an in-progress tick to finish.
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

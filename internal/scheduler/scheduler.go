// Package scheduler runs the recurring maintenance jobs: the UTC-midnight
// daily counter reset, whitelist expiry purges, statistics refreshes and the
// suspended-account reactivation sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"invitegate.org/internal/obs"
)

// Jobs are the callbacks the scheduler drives. Nil members are skipped.
type Jobs struct {
	ResetDaily         func(ctx context.Context) error
	PurgeWhitelist     func(ctx context.Context) (int, error)
	RefreshStats       func(ctx context.Context) error
	ReactivateAccounts func(ctx context.Context) int
}

// Scheduler owns the cron loop. All schedules evaluate in UTC so the daily
// reset lands on the same wall-clock boundary everywhere.
type Scheduler struct {
	cron *cron.Cron
	jobs Jobs
}

// New registers the jobs. statsEvery controls the refresh cadence.
func New(jobs Jobs, statsEvery time.Duration) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),
		jobs: jobs,
	}

	if jobs.ResetDaily != nil {
		if _, err := s.cron.AddFunc("0 0 * * *", s.wrap("reset_daily", func(ctx context.Context) error {
			return jobs.ResetDaily(ctx)
		})); err != nil {
			return nil, fmt.Errorf("schedule reset: %w", err)
		}
	}
	if jobs.PurgeWhitelist != nil {
		if _, err := s.cron.AddFunc("@hourly", s.wrap("purge_whitelist", func(ctx context.Context) error {
			n, err := jobs.PurgeWhitelist(ctx)
			if err == nil && n > 0 {
				obs.Event("scheduler.purged", map[string]any{"records": n})
			}
			return err
		})); err != nil {
			return nil, fmt.Errorf("schedule purge: %w", err)
		}
	}
	if jobs.RefreshStats != nil {
		if statsEvery <= 0 {
			statsEvery = 30 * time.Minute
		}
		spec := fmt.Sprintf("@every %s", statsEvery)
		if _, err := s.cron.AddFunc(spec, s.wrap("refresh_stats", jobs.RefreshStats)); err != nil {
			return nil, fmt.Errorf("schedule stats: %w", err)
		}
	}
	if jobs.ReactivateAccounts != nil {
		if _, err := s.cron.AddFunc("@every 1m", s.wrap("reactivate_accounts", func(ctx context.Context) error {
			if n := jobs.ReactivateAccounts(ctx); n > 0 {
				obs.Event("scheduler.reactivated", map[string]any{"accounts": n})
			}
			return nil
		})); err != nil {
			return nil, fmt.Errorf("schedule reactivation: %w", err)
		}
	}
	return s, nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	obs.Event("scheduler.started", map[string]any{"entries": len(s.cron.Entries())})
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wrap gives each job a bounded context and turns failures into log events
// so one bad run never kills the loop.
func (s *Scheduler) wrap(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			obs.Event("scheduler.job_failed", map[string]any{
				"job": name, "error": err.Error(), "elapsed_ms": time.Since(start).Milliseconds(),
			})
			return
		}
		obs.Event("scheduler.job_done", map[string]any{
			"job": name, "elapsed_ms": time.Since(start).Milliseconds(),
		})
	}
}

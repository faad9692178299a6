// Package retention periodically prunes released, completed and abandoned
// executions from the response log on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/querygate/internal/persistence"
)

const (
	DefaultSchedule = "0 * * * *"
	DefaultMaxAge   = 7 * 24 * time.Hour
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Schedule string        // cron expression; DefaultSchedule if empty
	MaxAge   time.Duration // rows untouched for longer are pruned
}

// Scheduler prunes old executions each time its cron schedule fires.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	clock    clockwork.Clock
	schedule cronlib.Schedule
	expr     string
	maxAge   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger.With("component", "retention"),
		clock:    clock,
		schedule: sched,
		expr:     expr,
		maxAge:   maxAge,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "max_age", s.maxAge)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Prune once on startup, then whenever the schedule fires.
	_, _ = s.RunOnce(ctx)

	for {
		now := s.clock.Now()
		wait := s.schedule.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce prunes everything older than the configured max age.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	cutoff := s.clock.Now().Add(-s.maxAge)
	res, err := s.store.PruneExecutions(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("retention: prune failed", "error", err)
		}
		return res, err
	}
	if res.PurgedExecutions > 0 || res.PurgedAuditLogs > 0 {
		s.logger.Info("retention: pruned",
			"executions", res.PurgedExecutions,
			"responses", res.PurgedResponses,
			"audit_logs", res.PurgedAuditLogs,
			"cutoff", cutoff,
		)
	}
	return res, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

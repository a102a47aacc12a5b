// Package cron runs the retention job that prunes old security events and
// closed bridge sessions from the persistence store.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/toolbridge/internal/persistence"
)

// DefaultSchedule runs retention once a day at 03:17 UTC.
const DefaultSchedule = "17 3 * * *"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Pruner is the store surface the scheduler drives.
type Pruner interface {
	RunRetention(ctx context.Context, now time.Time, securityEventDays, sessionDays int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store             Pruner
	Logger            *slog.Logger
	Schedule          string // cron expression; DefaultSchedule if empty
	SecurityEventDays int
	SessionDays       int
	Now               func() time.Time
}

// Scheduler fires the retention job on its cron schedule and once at start.
type Scheduler struct {
	store       Pruner
	logger      *slog.Logger
	schedule    cronlib.Schedule
	expr        string
	eventDays   int
	sessionDays int
	now         func() time.Time

	mu     sync.Mutex
	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule expression and builds a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cron: store is required")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:       cfg.Store,
		logger:      logger,
		schedule:    sched,
		expr:        expr,
		eventDays:   cfg.SecurityEventDays,
		sessionDays: cfg.SessionDays,
		now:         now,
	}, nil
}

// Start registers the job and begins the cron loop. The first run happens
// immediately in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cronlib.New(cronlib.WithLocation(time.UTC))
	s.cron.Schedule(s.schedule, cronlib.FuncJob(func() { s.run(ctx) }))
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.logger.Info("retention scheduler started", "schedule", s.expr,
		"security_event_days", s.eventDays, "session_days", s.sessionDays)
}

// Stop cancels in-flight work and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// Next reports when the job fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce performs a single retention pass.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	return s.store.RunRetention(ctx, s.now(), s.eventDays, s.sessionDays)
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("cron: retention run failed", "error", err)
		return
	}
	s.logger.Info("cron: retention run complete",
		"purged_security_events", res.PurgedSecurityEvents,
		"purged_sessions", res.PurgedSessions,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

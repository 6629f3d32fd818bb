package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/query"
	"github.com/example/appointment-scheduler/internal/telemetry"
	"github.com/example/appointment-scheduler/internal/tenants"
)

const DefaultInterval = 120 * time.Minute

type TenantLister interface {
	ListScheduled(ctx context.Context) ([]tenants.Tenant, error)
}

type TenantRunner interface {
	Run(ctx context.Context, tenantID int64) (jobs.Job, jobs.Stats, error)
}

// Scheduler runs a query for every schedule-enabled tenant on each tick.
// Ticks come every Interval, or from Cron when set. Reschedule pushes the
// next tick to a full Interval from now.
type Scheduler struct {
	Tenants  TenantLister
	Runner   TenantRunner
	Interval time.Duration
	Cron     string
	Logger   zerolog.Logger

	once  sync.Once
	sched cron.Schedule
	err   error
	wake  chan struct{}

	mu   sync.Mutex
	next time.Time
}

// ParseCron validates a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron %q: %w", expr, err)
	}
	return s, nil
}

func (s *Scheduler) init() error {
	s.once.Do(func() {
		s.wake = make(chan struct{}, 1)
		if s.Interval <= 0 {
			s.Interval = DefaultInterval
		}
		if s.Cron != "" {
			s.sched, s.err = ParseCron(s.Cron)
		}
	})
	return s.err
}

func (s *Scheduler) periodic(now time.Time) time.Time {
	if s.sched != nil {
		return s.sched.Next(now)
	}
	return now.Add(s.Interval)
}

// Next reports when the next tick is due. Zero before Run starts.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

// Reschedule replaces any pending tick with one a full Interval from now.
func (s *Scheduler) Reschedule() {
	if err := s.init(); err != nil {
		return
	}
	next := time.Now().Add(s.Interval)
	s.setNext(next)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.Logger.Info().Time("next_run", next).Msg("scheduler rescheduled after manual run")
}

func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.init(); err != nil {
		return err
	}
	s.setNext(s.periodic(time.Now()))
	s.Logger.Info().Time("next_run", s.Next()).Msg("scheduler started")

	timer := time.NewTimer(time.Until(s.Next()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			timer.Reset(time.Until(s.Next()))
		case <-timer.C:
			s.fire(ctx)
			timer.Reset(time.Until(s.Next()))
		}
	}
}

// fire runs one tick. The next slot is claimed before running so a
// Reschedule during the tick wins; slots that passed while the tick ran are
// skipped rather than run back to back.
func (s *Scheduler) fire(ctx context.Context) {
	s.setNext(s.periodic(time.Now()))
	s.tick(ctx)

	now := time.Now()
	if next := s.Next(); next.Before(now) {
		s.setNext(s.periodic(now))
		s.Logger.Warn().Time("missed", next).Time("next_run", s.Next()).Msg("tick overran its interval, skipping missed run")
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	telemetry.SchedulerTicks.Inc()
	ts, err := s.Tenants.ListScheduled(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("scheduler: listing tenants failed")
		return
	}
	s.Logger.Info().Int("tenants", len(ts)).Msg("running scheduled queries")

	for _, t := range ts {
		if ctx.Err() != nil {
			return
		}
		log := s.Logger.With().Int64("tenant_id", t.ID).Str("tenant", t.Name).Logger()
		j, stats, err := s.Runner.Run(ctx, t.ID)
		switch {
		case errors.Is(err, query.ErrRunInProgress):
			log.Info().Msg("run already in progress, skipping")
		case err != nil:
			log.Error().Err(err).Str("job_id", j.ID).Msg("scheduled query failed")
		default:
			log.Info().Str("job_id", j.ID).Int("checked", stats.CheckedContainers).Int("failed", stats.FailedChecks).Msg("scheduled query completed")
		}
	}
}

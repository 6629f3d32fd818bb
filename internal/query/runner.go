package query

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/appointment-scheduler/internal/jobs"
)

var ErrRunInProgress = errors.New("query: a run is already in progress for this tenant")

// Pipeline is what the Runner drives; *Orchestrator implements it.
type Pipeline interface {
	Start(ctx context.Context, tenantID int64) (jobs.Job, error)
	Execute(ctx context.Context, job jobs.Job) (jobs.Stats, error)
}

// Rescheduler is told when a run was triggered outside the periodic tick.
type Rescheduler interface {
	Reschedule()
}

// Runner allows one run per tenant at a time. Runs of different tenants
// proceed concurrently (the remote client still serializes their calls).
type Runner struct {
	pipeline Pipeline
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	guards  map[int64]*semaphore.Weighted
	resched Rescheduler
}

func NewRunner(p Pipeline, logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pipeline: p,
		logger:   logger.With().Str("component", "runner").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		guards:   map[int64]*semaphore.Weighted{},
	}
}

// SetRescheduler wires the scheduler after construction; the scheduler itself
// depends on the Runner.
func (r *Runner) SetRescheduler(s Rescheduler) {
	r.mu.Lock()
	r.resched = s
	r.mu.Unlock()
}

func (r *Runner) guard(tenantID int64) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[tenantID]
	if !ok {
		g = semaphore.NewWeighted(1)
		r.guards[tenantID] = g
	}
	return g
}

// Busy reports whether the tenant has a run in flight.
func (r *Runner) Busy(tenantID int64) bool {
	g := r.guard(tenantID)
	if !g.TryAcquire(1) {
		return true
	}
	g.Release(1)
	return false
}

// Run starts and executes a run for the tenant, blocking until it ends.
func (r *Runner) Run(ctx context.Context, tenantID int64) (jobs.Job, jobs.Stats, error) {
	g := r.guard(tenantID)
	if !g.TryAcquire(1) {
		return jobs.Job{}, jobs.Stats{}, ErrRunInProgress
	}
	defer g.Release(1)

	j, err := r.pipeline.Start(ctx, tenantID)
	if err != nil {
		return jobs.Job{}, jobs.Stats{}, err
	}
	stats, err := r.pipeline.Execute(ctx, j)
	return j, stats, err
}

// Trigger records a pending job and executes it in the background. The
// returned job is still pending; the scheduler's next periodic tick is pushed
// back by a full interval.
func (r *Runner) Trigger(ctx context.Context, tenantID int64) (jobs.Job, error) {
	g := r.guard(tenantID)
	if !g.TryAcquire(1) {
		return jobs.Job{}, ErrRunInProgress
	}
	j, err := r.pipeline.Start(ctx, tenantID)
	if err != nil {
		g.Release(1)
		return jobs.Job{}, err
	}
	r.spawn(g, j)

	r.mu.Lock()
	s := r.resched
	r.mu.Unlock()
	if s != nil {
		s.Reschedule()
	}
	return j, nil
}

// Continue executes an existing unfinished job in the background.
func (r *Runner) Continue(j jobs.Job) error {
	g := r.guard(j.TenantID)
	if !g.TryAcquire(1) {
		return ErrRunInProgress
	}
	r.spawn(g, j)
	return nil
}

// Failer records a job as failed.
type Failer interface {
	Fail(ctx context.Context, id, msg string) error
}

const supersededMsg = "superseded by a newer unfinished query at startup"

// ResumeUnfinished continues the newest unfinished job of each tenant in the
// background and fails the older ones, which could never run otherwise. It
// returns the jobs it resumed.
func (r *Runner) ResumeUnfinished(ctx context.Context, unfinished []jobs.Job, f Failer) []jobs.Job {
	newest := map[int64]jobs.Job{}
	for _, j := range unfinished {
		cur, ok := newest[j.TenantID]
		if !ok || j.StartedAt.After(cur.StartedAt) || (j.StartedAt.Equal(cur.StartedAt) && j.ID > cur.ID) {
			newest[j.TenantID] = j
		}
	}

	var resumed []jobs.Job
	for _, j := range unfinished {
		log := r.logger.With().Str("job_id", j.ID).Int64("tenant_id", j.TenantID).Logger()
		if newest[j.TenantID].ID != j.ID {
			if err := f.Fail(ctx, j.ID, supersededMsg); err != nil {
				log.Error().Err(err).Msg("could not fail superseded job")
				continue
			}
			log.Warn().Str("status", string(j.Status)).Msg("failed superseded unfinished job")
			continue
		}
		if err := r.Continue(j); err != nil {
			log.Warn().Err(err).Msg("not resuming job")
			continue
		}
		log.Info().Str("status", string(j.Status)).Msg("resuming unfinished job")
		resumed = append(resumed, j)
	}
	return resumed
}

func (r *Runner) spawn(g *semaphore.Weighted, j jobs.Job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer g.Release(1)
		if _, err := r.pipeline.Execute(r.ctx, j); err != nil {
			r.logger.Error().Err(err).Str("job_id", j.ID).Msg("background run ended with error")
		}
	}()
}

// Shutdown cancels background runs and waits for them until ctx expires.
// Interrupted jobs stay in progress and can be continued later.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all background runs return.
func (r *Runner) Wait() { r.wg.Wait() }

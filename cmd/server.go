package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/appointment-scheduler/internal/auth"
	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/query"
	"github.com/example/appointment-scheduler/internal/scheduler"
	"github.com/example/appointment-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API and the periodic scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, migrateUp)
			if err != nil {
				return err
			}
			defer a.Close()

			runner := query.NewRunner(a.orch, a.logger)
			resumeUnfinished(ctx, a, runner)

			ws := &web.Server{
				Auth:    auth.NewStore(a.tenants),
				Jobs:    a.jobs,
				Tenants: a.tenants,
				Runner:  runner,
				Store:   a.store,
				Logger:  a.logger,
			}

			g, gctx := errgroup.WithContext(ctx)
			if a.cfg.SchedulerEnabled {
				s := &scheduler.Scheduler{
					Tenants:  a.tenants,
					Runner:   runner,
					Interval: a.cfg.ScheduleInterval,
					Cron:     a.cfg.ScheduleCron,
					Logger:   a.logger.With().Str("component", "scheduler").Logger(),
				}
				runner.SetRescheduler(s)
				ws.NextRun = s.Next
				g.Go(func() error {
					if err := s.Run(gctx); !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			} else {
				a.logger.Info().Msg("scheduler disabled")
			}
			g.Go(func() error {
				return web.Start(gctx, a.cfg.ListenAddr, ws.Routes(), a.logger)
			})

			err = g.Wait()

			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if serr := runner.Shutdown(shutdownCtx); serr != nil {
				a.logger.Warn().Err(serr).Msg("queries still running at shutdown; they will resume on next start")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

// resumeUnfinished hands jobs a previous process left pending or in progress
// to the runner.
func resumeUnfinished(ctx context.Context, a *app, runner *query.Runner) {
	var unfinished []jobs.Job
	for _, st := range []jobs.Status{jobs.StatusInProgress, jobs.StatusPending} {
		js, err := a.jobs.ListByStatus(ctx, st)
		if err != nil {
			a.logger.Error().Err(err).Str("status", string(st)).Msg("listing unfinished jobs failed")
			continue
		}
		unfinished = append(unfinished, js...)
	}
	runner.ResumeUnfinished(ctx, unfinished, a.jobs)
}

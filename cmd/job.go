package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/query"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Run and inspect appointment queries",
	}
	cmd.AddCommand(newJobRunCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobResumeCmd())
	return cmd
}

func printStats(cmd *cobra.Command, j jobs.Job, stats jobs.Stats) error {
	fmt.Fprintf(cmd.OutOrStdout(), "job %s finished\n", j.ID)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func newJobRunCmd() *cobra.Command {
	var tenantID int64
	c := &cobra.Command{
		Use:   "run",
		Short: "Run one query for a tenant in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			j, stats, err := query.NewRunner(a.orch, a.logger).Run(ctx, tenantID)
			if err != nil {
				if j.ID != "" {
					return fmt.Errorf("job %s: %w", j.ID, err)
				}
				return err
			}
			return printStats(cmd, j, stats)
		},
	}
	c.Flags().Int64Var(&tenantID, "tenant-id", 0, "tenant id")
	_ = c.MarkFlagRequired("tenant-id")
	return c
}

func newJobResumeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Continue an interrupted query in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.orch.Resume(ctx, args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			return printStats(cmd, jobs.Job{ID: args[0]}, stats)
		},
	}
	return c
}

func newJobListCmd() *cobra.Command {
	var (
		tenantID int64
		status   string
		limit    int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's queries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := jobs.ListFilter{Status: jobs.Status(status), Limit: limit}
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown --status %q", status)
			}

			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			js, err := a.jobs.ListByTenant(ctx, tenantID, f)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tCHECKED\tFAILED")
			for _, j := range js {
				checked, failed := "-", "-"
				if j.Stats != nil {
					checked = fmt.Sprint(j.Stats.CheckedContainers)
					failed = fmt.Sprint(j.Stats.FailedChecks)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Status, j.StartedAt.Format(time.RFC3339), checked, failed)
			}
			return w.Flush()
		},
	}
	c.Flags().Int64Var(&tenantID, "tenant-id", 0, "tenant id")
	c.Flags().StringVar(&status, "status", "", "only jobs with this status")
	c.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	_ = c.MarkFlagRequired("tenant-id")
	return c
}

func newJobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Print a query as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.jobs.Get(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
}

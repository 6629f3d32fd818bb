package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newRemoteCmd exposes single-container lookups against the remote service,
// handy when a check result looks wrong.
func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Ad hoc remote service lookups for one container",
	}
	cmd.AddCommand(newRemoteTimelineCmd())
	cmd.AddCommand(newRemoteBookingCmd())
	return cmd
}

func remoteLookup(use, short string, fn func(ctx context.Context, a *app, token, id string, cmd *cobra.Command) error) *cobra.Command {
	var tenantID int64
	c := &cobra.Command{
		Use:   use + " CONTAINER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.sessions.Ensure(ctx, tenantID)
			if err != nil {
				return err
			}
			return fn(ctx, a, token, args[0], cmd)
		},
	}
	c.Flags().Int64Var(&tenantID, "tenant-id", 0, "tenant id")
	_ = c.MarkFlagRequired("tenant-id")
	return c
}

func newRemoteTimelineCmd() *cobra.Command {
	return remoteLookup("timeline", "Print a container's milestone timeline",
		func(ctx context.Context, a *app, token, id string, cmd *cobra.Command) error {
			tl, err := a.remote.FetchTimeline(ctx, token, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s passed_pregate=%t\n", id, tl.PassedPregate)
			for _, m := range tl.Milestones {
				fmt.Fprintf(out, "  %-28s %s\n", m.Milestone, m.Date)
			}
			return nil
		})
}

func newRemoteBookingCmd() *cobra.Command {
	return remoteLookup("booking", "Print an export container's booking number",
		func(ctx context.Context, a *app, token, id string, cmd *cobra.Command) error {
			bn, err := a.remote.FetchBookingNumber(ctx, token, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s booking=%s\n", id, bn)
			return nil
		})
}

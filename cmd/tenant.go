package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/appointment-scheduler/internal/auth"
	"github.com/example/appointment-scheduler/internal/tenants"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants and their remote credentials",
	}
	cmd.AddCommand(newTenantAddCmd())
	cmd.AddCommand(newTenantListCmd())
	cmd.AddCommand(newTenantScheduleCmd())
	return cmd
}

func newTenantAddCmd() *cobra.Command {
	var (
		n        tenants.NewTenant
		password string
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a tenant and print its API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if password == "" {
				password = os.Getenv("EMODAL_PASSWORD")
			}
			n.Credentials.Password = password

			tok, err := auth.NewToken()
			if err != nil {
				return err
			}
			if n.APITokenHash, err = auth.HashToken(tok); err != nil {
				return err
			}
			id, err := a.tenants.Create(ctx, n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created tenant id=%d name=%q\n", id, n.Name)
			fmt.Fprintf(out, "api token (shown once): %s\n", tok)
			return nil
		},
	}

	c.Flags().StringVar(&n.Name, "name", "", "tenant name")
	c.Flags().StringVar(&n.Credentials.Username, "username", "", "remote service username")
	c.Flags().StringVar(&password, "password", "", "remote service password (or EMODAL_PASSWORD)")
	c.Flags().StringVar(&n.Credentials.CaptchaAPIKey, "captcha-key", "", "captcha solver API key")
	c.Flags().BoolVar(&n.Schedule, "schedule", true, "include in scheduled runs")
	c.Flags().IntVar(&n.FrequencyMins, "frequency", tenants.DefaultFrequency, "preferred schedule frequency in minutes")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("username")
	return c
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ts, err := a.tenants.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUSERNAME\tSCHEDULED\tFREQUENCY\tSESSION")
			for _, t := range ts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%dm\t%t\n",
					t.ID, t.Name, t.RemoteUsername, t.ScheduleEnabled, t.ScheduleFrequency, t.SessionToken != nil && *t.SessionToken != "")
			}
			return w.Flush()
		},
	}
}

func newTenantScheduleCmd() *cobra.Command {
	var (
		id        int64
		enable    bool
		disable   bool
		frequency int
	)
	c := &cobra.Command{
		Use:   "schedule",
		Short: "Enable, disable or retune a tenant's schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are exclusive")
			}
			var en *bool
			switch {
			case enable:
				en = &enable
			case disable:
				v := false
				en = &v
			}
			var freq *int
			if cmd.Flags().Changed("frequency") {
				if frequency < 1 {
					return fmt.Errorf("--frequency must be at least 1")
				}
				freq = &frequency
			}

			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.tenants.UpdateSchedule(ctx, id, en, freq)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant id=%d scheduled=%t frequency=%dm\n", t.ID, t.ScheduleEnabled, t.ScheduleFrequency)
			return nil
		},
	}
	c.Flags().Int64Var(&id, "tenant-id", 0, "tenant id")
	c.Flags().BoolVar(&enable, "enable", false, "enable scheduled runs")
	c.Flags().BoolVar(&disable, "disable", false, "disable scheduled runs")
	c.Flags().IntVar(&frequency, "frequency", 0, "schedule frequency in minutes")
	_ = c.MarkFlagRequired("tenant-id")
	return c
}

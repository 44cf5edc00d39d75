package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run recurrence generation, deadline penalties and offer expiry once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			sched, err := a.svc.Scheduler.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
			fmt.Printf("Templates: %d checked, %d instances generated, %d failed\n",
				sched.Templates, sched.Generated, sched.Failed)

			report, err := a.svc.Penalty.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("penalty sweep: %w", err)
			}
			fmt.Printf("Deadlines: %d successors, %d penalized (%d locked), %d failed\n",
				report.Generated, report.Penalized, report.Locked, report.Failed)

			expired, err := a.svc.Expiry.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("expiry: %w", err)
			}
			fmt.Printf("Negotiations: %d expired\n", expired)
			return nil
		},
	}
}

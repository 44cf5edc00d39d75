package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/lifecycle"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/store"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Review and decide on tasks",
	}
	cmd.AddCommand(taskListCmd(), taskApproveCmd(), taskRejectCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the acting member's family tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, err := a.signIn(cmd)
			if err != nil {
				return err
			}

			f := store.TaskFilter{FamilyID: auth.FamilyID(ctx)}
			statuses, _ := cmd.Flags().GetStringSlice("status")
			for _, s := range statuses {
				st, err := model.ParseStatus(s)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			tasks, err := a.svc.Tasks.Query(ctx, f)
			if err != nil {
				return err
			}

			now := time.Now()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tPOINTS\tDUE\tFLAGS")
			for i := range tasks {
				t := &tasks[i]
				due := "-"
				if d, ok := t.DueDate(); ok {
					due = humanize.Time(d)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", t.ID, t.Title, t.Status, t.Points, due, taskFlags(t, now))
			}
			return tw.Flush()
		},
	}
	actorFlags(cmd)
	cmd.Flags().StringSlice("status", nil, "Only tasks in these statuses")
	return cmd
}

func taskFlags(t *model.Task, now time.Time) string {
	var s string
	if t.IsTemplate() {
		s += "R"
	}
	if lifecycle.IsOverdue(t, now) {
		s += "O"
	}
	if lifecycle.IsStrictLocked(t, now) {
		s += "L"
	}
	if t.NegotiationPending {
		s += "N"
	}
	return s
}

func taskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve completed work and award its points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, err := a.signIn(cmd)
			if err != nil {
				return err
			}

			approve := a.svc.Lifecycle.Approve
			if override, _ := cmd.Flags().GetBool("override"); override {
				approve = a.svc.Lifecycle.OverrideApprove
			}
			t, err := approve(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Approved task %d %q\n", t.ID, t.Title)
			return nil
		},
	}
	actorFlags(cmd)
	cmd.Flags().Bool("override", false, "Approve a rejected or strict locked task")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject completed work, optionally granting a grace deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			grace, _ := cmd.Flags().GetDuration("grace")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, err := a.signIn(cmd)
			if err != nil {
				return err
			}

			opts := lifecycle.RejectOptions{Reason: reason}
			if grace > 0 {
				until := time.Now().Add(grace)
				opts.Grace = &until
			}
			t, err := a.svc.Lifecycle.Reject(ctx, id, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Task %d %q is now %s\n", t.ID, t.Title, t.Status)
			if due, ok := t.DueDate(); ok {
				fmt.Printf("Due %s\n", humanize.Time(due))
			}
			return nil
		},
	}
	actorFlags(cmd)
	cmd.Flags().String("reason", "", "Reason shown to the child")
	cmd.Flags().Duration("grace", 0, "Reopen the task with a deadline this far from now")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/taskpact/internal/recurrence"
)

func nextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <rule>",
		Short: "Preview the next due dates of a recurrence rule",
		Example: `  taskpact next daily@09:00
  taskpact next weekly:MO@17:30 --tz America/Denver -n 4
  taskpact next monthly:31@08:00`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := recurrence.Parse(args[0])
			if err != nil {
				return err
			}
			tz, _ := cmd.Flags().GetString("tz")
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("load time zone: %w", err)
			}
			count, _ := cmd.Flags().GetInt("count")

			fmt.Printf("%s in %s\n", rule, loc)
			asOf := time.Now()
			for i := 0; i < count; i++ {
				due, err := recurrence.Next(rule, asOf, loc, recurrence.MinLeadTime)
				if err != nil {
					return err
				}
				fmt.Printf("  %s  (%s)\n", due.In(loc).Format("Mon Jan 2 2006 15:04 MST"), humanize.Time(due))
				asOf = due
			}
			return nil
		},
	}
	cmd.Flags().String("tz", "UTC", "IANA time zone of the family")
	cmd.Flags().IntP("count", "n", 3, "Number of occurrences to show")
	return cmd
}

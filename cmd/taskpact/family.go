package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/taskpact/internal/model"
)

func familyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "family",
		Short: "Manage families",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tz, _ := cmd.Flags().GetString("tz")
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("load time zone: %w", err)
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.svc.Families.Create(cmd.Context(), args[0], tz)
			if err != nil {
				return err
			}
			fmt.Printf("Created family %q (id %d, %s)\n", f.Name, f.ID, f.Timezone)
			return nil
		},
	}
	create.Flags().String("tz", "UTC", "IANA time zone used for deadlines")
	cmd.AddCommand(create)
	return cmd
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage family members",
	}

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a parent or child to a family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			familyID, _ := cmd.Flags().GetInt64("family")
			roleFlag, _ := cmd.Flags().GetString("role")
			role, err := model.ParseRole(roleFlag)
			if err != nil {
				return err
			}
			pin, _ := cmd.Flags().GetString("pin")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if _, err := a.svc.Families.GetByID(ctx, familyID); err != nil {
				return err
			}
			m, err := a.svc.Members.Create(ctx, familyID, args[0], role)
			if err != nil {
				return err
			}
			if pin != "" {
				if err := a.svc.PINs.SetPIN(ctx, m.ID, pin); err != nil {
					return err
				}
			}
			fmt.Printf("Added %s %q (id %d)\n", m.Role, m.Name, m.ID)
			return nil
		},
	}
	add.Flags().Int64("family", 0, "Family id")
	add.Flags().String("role", string(model.RoleChild), "parent or child")
	add.Flags().String("pin", "", "Optional 4-digit PIN")
	add.MarkFlagRequired("family")

	list := &cobra.Command{
		Use:   "list",
		Short: "List members with their point balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			familyID, _ := cmd.Flags().GetInt64("family")
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			members, err := a.svc.Members.ListByFamily(cmd.Context(), familyID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tROLE\tPOINTS\tPIN")
			for _, m := range members {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", m.ID, m.Name, m.Role, humanize.Comma(int64(m.Points)), m.HasPIN)
			}
			return tw.Flush()
		},
	}
	list.Flags().Int64("family", 0, "Family id")
	list.MarkFlagRequired("family")

	cmd.AddCommand(add, list)
	return cmd
}

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/taskpact/internal/negotiation"
)

func negotiationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "negotiation",
		Short: "Inspect and answer negotiations",
	}

	history := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show the negotiation messages of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0])
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

			msgs, err := a.svc.Engine.History(ctx, taskID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				from := "system"
				if m.SenderID != nil {
					from = fmt.Sprintf("member %d", *m.SenderID)
				}
				fmt.Printf("%-8s  %-10s  %s  %s\n", m.Type, from, humanize.Time(m.CreatedAt), m.Message)
			}
			return nil
		},
	}
	actorFlags(history)

	respond := &cobra.Command{
		Use:   "respond <negotiation-id> accept|reject",
		Short: "Accept or reject a pending offer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			decision, err := negotiation.ParseDecision(args[1])
			if err != nil {
				return err
			}
			if decision == negotiation.Counter {
				return fmt.Errorf("counter-offers need terms; use the HTTP API")
			}
			message, _ := cmd.Flags().GetString("message")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, err := a.signIn(cmd)
			if err != nil {
				return err
			}

			n, err := a.svc.Engine.Respond(ctx, id, negotiation.Response{Decision: decision, Message: message})
			if err != nil {
				return err
			}
			fmt.Printf("Negotiation %d on task %d is %s\n", n.ID, n.TaskID, n.Status)
			return nil
		},
	}
	actorFlags(respond)
	respond.Flags().String("message", "", "Message to the other party")

	cmd.AddCommand(history, respond)
	return cmd
}

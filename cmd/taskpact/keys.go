package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/taskpact/internal/push"
)

func vapidKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for Web Push",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Printf("TASKPACT_VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Printf("TASKPACT_VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}

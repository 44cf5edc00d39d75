package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/taskpact/internal/backup"
	"github.com/dukerupert/taskpact/internal/logging"
)

var errBackupDisabled = errors.New("backups are not configured: set the backup bucket, credentials and passphrase")

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take, list and restore encrypted database snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.svc.Backup == nil {
				return errBackupDisabled
			}

			snap, err := a.svc.Backup.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %s (%s)\n", snap.Key, humanize.Bytes(uint64(snap.Size)))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := snapshotManager(cmd)
			if err != nil {
				return err
			}

			snaps, err := mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No snapshots")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%s  %8s  %s\n", s.Key, humanize.Bytes(uint64(s.Size)), humanize.Time(s.TakenAt))
			}
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <key> <path>",
		Short: "Restore a snapshot to a database file; stop the server first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := snapshotManager(cmd)
			if err != nil {
				return err
			}

			if err := mgr.Restore(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Restored %s to %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(list, restore)
	return cmd
}

// snapshotManager reads storage settings without opening the database, so a
// restore can replace the file.
func snapshotManager(cmd *cobra.Command) (*backup.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	bc := serverConfig(cfg).Backup
	if !bc.Enabled() {
		return nil, errBackupDisabled
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return backup.NewManager(nil, backup.NewS3Client(bc.S3), bc, logger), nil
}

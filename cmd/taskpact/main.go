package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/backup"
	"github.com/dukerupert/taskpact/internal/config"
	"github.com/dukerupert/taskpact/internal/database"
	"github.com/dukerupert/taskpact/internal/logging"
	"github.com/dukerupert/taskpact/internal/push"
	"github.com/dukerupert/taskpact/internal/server"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "taskpact",
		Short:         "Family chores with points, deadlines and negotiation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(familyCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(negotiationCmd())
	rootCmd.AddCommand(vapidKeysCmd())
	rootCmd.AddCommand(backupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is the opened database plus the wired services for one command.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	db     *sql.DB
	svc    *server.Services
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

func serverConfig(cfg config.Config) server.Config {
	return server.Config{
		Push: push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subject:         cfg.VAPIDSubject,
		},
		DefaultLocation:  cfg.Location(),
		SweepInterval:    cfg.SweepInterval,
		ExpiryInterval:   cfg.ExpiryInterval,
		ScheduleInterval: cfg.ScheduleInterval,
		Backup: backup.Config{
			S3: backup.S3Config{
				Endpoint:  cfg.Backup.Endpoint,
				Bucket:    cfg.Backup.Bucket,
				Region:    cfg.Backup.Region,
				AccessKey: cfg.Backup.AccessKey,
				SecretKey: cfg.Backup.SecretKey,
			},
			Passphrase: cfg.Backup.Passphrase,
			Prefix:     cfg.Backup.Prefix,
			Retention:  cfg.Backup.Retention,
		},
		BackupInterval: cfg.Backup.Interval,
	}
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		svc:    server.NewServices(db, serverConfig(cfg), logger),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// actorFlags registers --as and --pin on commands that act for a member.
func actorFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("as", 0, "Member id to act as")
	cmd.Flags().String("pin", "", "PIN of the acting member (or TASKPACT_PIN)")
	cmd.MarkFlagRequired("as")
}

// signIn verifies the acting member's PIN and returns a context carrying
// their identity.
func (a *app) signIn(cmd *cobra.Command) (context.Context, error) {
	id, _ := cmd.Flags().GetInt64("as")
	pin, _ := cmd.Flags().GetString("pin")
	if pin == "" {
		pin = os.Getenv("TASKPACT_PIN")
	}
	ctx := cmd.Context()
	actor, err := a.svc.PINs.Verify(ctx, id, pin)
	if err != nil {
		return nil, err
	}
	return auth.WithActor(ctx, actor), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/metabrainz/webhook-engine/internal/config"
	"github.com/metabrainz/webhook-engine/internal/scheduler"
	"github.com/metabrainz/webhook-engine/internal/store"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete delivered rows older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		if days <= 0 {
			days = cfg.RetentionDays
		}

		ctx := context.Background()

		pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %v", err)
		}
		defer pgStore.Close()

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		job := scheduler.NewCleanupJob(pgStore, logger, cfg.CleanupInterval, days)

		if dryRun {
			count, err := job.DryRun(ctx, days)
			if err != nil {
				return fmt.Errorf("cleanup dry run failed: %v", err)
			}
			fmt.Printf("Would delete %d delivered rows older than %d days\n", count, days)
			return nil
		}

		deleted, err := job.RunOnce(ctx, days)
		if err != nil {
			return fmt.Errorf("cleanup failed: %v", err)
		}
		fmt.Printf("Deleted %d delivered rows older than %d days\n", deleted, days)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("days", 0, "Retention window in days (default: WEBHOOK_RETENTION_DAYS)")
	cleanupCmd.Flags().Bool("dry-run", false, "Report what would be deleted without deleting")
}

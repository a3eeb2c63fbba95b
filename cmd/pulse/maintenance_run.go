package main

import (
	"context"
	"log/slog"
	"time"

	outboxpg "pulse/internal/outbox/postgres"
	"pulse/internal/platform/config"
	"pulse/internal/platform/postgres"
)

// runMigrate applies all pending outbox schema migrations.
func runMigrate(cfg config.Config, log *slog.Logger) error {
	log.Info("running outbox migrations")
	if err := postgres.Migrate(cfg.Postgres.URL); err != nil {
		return err
	}
	log.Info("migrations completed")
	return nil
}

// runPrune deletes delivered envelopes older than the retention horizon.
// Undelivered envelopes are never pruned regardless of age.
func runPrune(ctx context.Context, cfg config.Config, dryRun bool, log *slog.Logger) error {
	pool, err := postgres.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := outboxpg.New(pool)
	horizon := time.Now().AddDate(0, 0, -cfg.Relay.RetentionDays)

	if dryRun {
		n, err := store.PruneCount(ctx, horizon)
		if err != nil {
			return err
		}
		log.Info("prune dry run",
			"retention_days", cfg.Relay.RetentionDays,
			"would_delete", n,
		)
		return nil
	}

	n, err := store.Prune(ctx, horizon)
	if err != nil {
		return err
	}
	log.Info("pruned delivered envelopes",
		"retention_days", cfg.Relay.RetentionDays,
		"deleted", n,
	)
	return nil
}

// Package main provides the pulse pipeline binary: the outbox relay, the
// automation consumer, and the schema/retention maintenance commands.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"pulse/internal/platform/config"
	"pulse/internal/platform/logger"
)

func main() {
	log := logger.New()

	cmd := &cli.Command{
		Name:    "pulse",
		Usage:   "Change-capture and event-delivery pipeline",
		Version: "1.0.0",
		Commands: []*cli.Command{
			{
				Name:  "relay",
				Usage: "Run the outbox-to-broker relay",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRelay(ctx, config.FromEnv(), log)
				},
			},
			{
				Name:  "consumer",
				Usage: "Run the automation consumer",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "queue",
						Usage: "Consumer group the subscriber joins",
					},
					&cli.IntFlag{
						Name:  "prefetch",
						Usage: "Maximum unacknowledged messages in flight",
					},
					&cli.StringSliceFlag{
						Name:  "prefix",
						Usage: "Event-type prefix to dispatch (repeatable)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := config.FromEnv()
					if q := cmd.String("queue"); q != "" {
						cfg.Consumer.Group = q
					}
					if p := cmd.Int("prefetch"); p > 0 {
						cfg.Consumer.Prefetch = int(p)
					}
					if prefixes := cmd.StringSlice("prefix"); len(prefixes) > 0 {
						cfg.Consumer.Prefixes = prefixes
					}
					return runConsumer(ctx, cfg, log)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply outbox schema migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runMigrate(config.FromEnv(), log)
				},
			},
			{
				Name:  "prune",
				Usage: "Delete delivered outbox envelopes past retention",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "days",
						Aliases: []string{"d"},
						Usage:   "Retention horizon in days (default from env)",
					},
					&cli.BoolFlag{
						Name:    "dry-run",
						Aliases: []string{"n"},
						Usage:   "Report how many envelopes would be deleted",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := config.FromEnv()
					if d := cmd.Int("days"); d > 0 {
						cfg.Relay.RetentionDays = int(d)
					}
					return runPrune(ctx, cfg, cmd.Bool("dry-run"), log)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error("pulse exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	outboxpg "pulse/internal/outbox/postgres"
	"pulse/internal/platform/config"
	"pulse/internal/platform/httpserver"
	"pulse/internal/platform/kafka"
	"pulse/internal/platform/kafka/producer"
	"pulse/internal/platform/metrics"
	"pulse/internal/platform/postgres"
	"pulse/internal/relay"
)

// runRelay wires and runs the outbox relay daemon alongside its ops server.
func runRelay(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := kafka.EnsureTopic(ctx, cfg.Kafka); err != nil {
		return err
	}
	prod, err := producer.New(cfg.Kafka)
	if err != nil {
		return err
	}
	defer prod.Close()

	m := metrics.New()
	store := outboxpg.New(pool)
	gate := relay.NewAdvisoryLockGate(pool, cfg.Relay.LeaderLockKey)
	rel := relay.New(store, relay.NewKafkaPublisher(prod), gate, relay.Config{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
	}, log, m)

	srv := httpserver.New(cfg.OpsAddr, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return prod.Ping(ctx)
	})

	log.Info("starting relay",
		"topic", cfg.Kafka.Topic,
		"poll_interval", cfg.Relay.PollInterval,
		"batch_size", cfg.Relay.BatchSize,
		"ops_addr", cfg.OpsAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rel.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	// Outbox lag gauge; best-effort, the relay itself never depends on it.
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := store.PendingCount(gctx); err == nil {
					m.OutboxPending.Set(float64(n))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("relay stopped")
	return nil
}

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

	autoconsumer "pulse/internal/automation/consumer"
	"pulse/internal/automation/registry"
	"pulse/internal/automation/tasks"
	"pulse/internal/platform/config"
	"pulse/internal/platform/httpserver"
	"pulse/internal/platform/kafka"
	kafkaconsumer "pulse/internal/platform/kafka/consumer"
	"pulse/internal/platform/metrics"
	"pulse/internal/platform/redis"
)

// runConsumer wires and runs the automation consumer daemon.
func runConsumer(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = rdb.Close()
	}()

	if err := kafka.EnsureTopic(ctx, cfg.Kafka); err != nil {
		return err
	}

	m := metrics.New()
	queue := tasks.NewRedisQueue(rdb.Client, cfg.Redis.Stream)
	handler := autoconsumer.NewHandler(cfg.Consumer.Prefixes, registry.Default(), queue, log, m)

	cons, err := kafkaconsumer.New(cfg.Kafka, cfg.Consumer.Group, cfg.Consumer.Prefetch, handler, log)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.OpsAddr, func(ctx context.Context) error {
		return rdb.Health(ctx)
	})

	log.Info("starting automation consumer",
		"queue", cfg.Consumer.Group,
		"prefixes", cfg.Consumer.Prefixes,
		"prefetch", cfg.Consumer.Prefetch,
		"topic", cfg.Kafka.Topic,
		"ops_addr", cfg.OpsAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cons.Run(gctx)
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

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("automation consumer stopped")
	return nil
}

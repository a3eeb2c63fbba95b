// Package relay bridges the outbox ledger to the broker. A single elected
// instance polls committed, undelivered envelopes in commit order, publishes
// them to the event-stream topic, and marks them delivered only after the
// broker has acknowledged the whole batch. Publish failures withhold the
// marking and retry the batch with backoff, so a partially published batch can
// produce duplicates downstream but never a silent gap.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/outbox"
	"pulse/internal/platform/metrics"
	"pulse/pkg/event"
)

// Publisher delivers a batch of envelopes to the broker. A non-nil error means
// the batch must not be marked delivered.
type Publisher interface {
	Publish(ctx context.Context, envs []event.Envelope) error
}

// Config tunes the relay loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Relay is the outbox-to-broker pump.
type Relay struct {
	store   outbox.Store
	pub     Publisher
	gate    Gate
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates a relay. The gate decides which instance is the active writer;
// non-leaders keep polling for leadership at the same interval.
func New(store outbox.Store, pub Publisher, gate Gate, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:   store,
		pub:     pub,
		gate:    gate,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("pulse/relay"),
	}
}

// Run polls until ctx is cancelled. Leadership is released on the way out so a
// standby can take over immediately.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.gate.Release(releaseCtx); err != nil {
			r.logger.Warn("failed to release relay leadership", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		leader, err := r.gate.TryAcquire(ctx)
		if err != nil {
			r.logger.Warn("leader election attempt failed", "error", err)
			continue
		}
		if !leader {
			continue
		}

		if err := r.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("relay cycle failed", "error", err)
		}
	}
}

// drain pumps batches until the outbox has no more undelivered envelopes.
func (r *Relay) drain(ctx context.Context) error {
	for {
		envs, err := r.store.FetchUndelivered(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			return nil
		}

		if err := r.publishBatch(ctx, envs); err != nil {
			return err
		}

		ids := make([]uuid.UUID, len(envs))
		for i, env := range envs {
			ids[i] = env.EventID
		}
		// A mark failure here means the batch is re-published next cycle.
		// Duplicates are the contract; gaps are not.
		if err := r.store.MarkDelivered(ctx, ids); err != nil {
			return err
		}
		r.metrics.EnvelopesPublished.Add(float64(len(envs)))

		if len(envs) < r.cfg.BatchSize {
			return nil
		}
	}
}

// publishBatch publishes one batch, retrying with exponential backoff until
// the broker accepts it or ctx is cancelled. Delivery marking is entirely
// withheld on failure; there is no partial progress within a batch.
func (r *Relay) publishBatch(ctx context.Context, envs []event.Envelope) error {
	ctx, span := r.tracer.Start(ctx, "relay.publish_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(envs))),
	)
	defer span.End()

	start := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until broker reachable or shutdown

	err := backoff.RetryNotify(
		func() error {
			return r.pub.Publish(ctx, envs)
		},
		backoff.WithContext(bo, ctx),
		func(err error, next time.Duration) {
			r.metrics.RelayBatchRetries.Inc()
			r.logger.Warn("broker publish failed, retrying batch",
				"batch_size", len(envs),
				"retry_in", next,
				"error", err,
			)
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	r.metrics.RelayPublishTime.Observe(time.Since(start).Seconds())
	return nil
}

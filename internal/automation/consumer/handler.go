// Package consumer filters event-stream messages and dispatches matches to
// the automation task queue. It acknowledges a message only after the enqueue
// succeeds; an enqueue failure propagates so the message stays unacknowledged
// and is redelivered.
package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/automation/registry"
	"pulse/internal/automation/tasks"
	kafkaconsumer "pulse/internal/platform/kafka/consumer"
	"pulse/internal/platform/metrics"
	"pulse/internal/relay"
	"pulse/pkg/event"
)

// Handler implements the broker message callback for the automation consumer.
type Handler struct {
	prefixes []string
	registry *registry.Registry
	enqueuer tasks.Enqueuer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// NewHandler creates a handler that dispatches messages whose event type falls
// under any of the configured prefixes.
func NewHandler(prefixes []string, reg *registry.Registry, enq tasks.Enqueuer, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		prefixes: prefixes,
		registry: reg,
		enqueuer: enq,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("pulse/automation"),
	}
}

// Handle processes one message. A nil return acknowledges the message whether
// it was dispatched, filtered, or dropped as malformed; only an enqueue
// failure returns an error.
func (h *Handler) Handle(ctx context.Context, msg *kafkaconsumer.Message) error {
	// The event_type header makes filtering free: non-matching messages are
	// acknowledged without ever unmarshalling the body.
	eventType := event.Type(msg.Header(relay.HeaderEventType))
	if eventType != "" && !eventType.MatchesAny(h.prefixes) {
		h.metrics.MessagesFiltered.WithLabelValues("prefix").Inc()
		return nil
	}

	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		// Malformed payloads are acknowledged: redelivery cannot fix them and
		// an unacknowledged poison message would wedge the partition.
		h.metrics.MalformedMessages.Inc()
		h.logger.Error("dropping malformed envelope",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	if !env.EventType.MatchesAny(h.prefixes) {
		h.metrics.MessagesFiltered.WithLabelValues("prefix").Inc()
		return nil
	}

	binding, ok := h.registry.Resolve(env.EventType)
	if !ok {
		h.metrics.MessagesFiltered.WithLabelValues("unbound").Inc()
		h.logger.Debug("no task bound for event type",
			"event_type", env.EventType,
			"event_id", env.EventID,
		)
		return nil
	}

	ctx, span := h.tracer.Start(ctx, "automation.dispatch",
		trace.WithAttributes(
			attribute.String("event.type", string(env.EventType)),
			attribute.String("event.action", env.EventType.Action()),
			attribute.String("event.id", env.EventID.String()),
			attribute.String("task", binding.Task),
		),
	)
	defer span.End()

	h.metrics.InFlightDispatches.Inc()
	defer h.metrics.InFlightDispatches.Dec()

	task := tasks.Task{
		Name:    binding.Task,
		EventID: env.EventID,
		Args:    binding.Args(env),
	}
	if err := h.enqueuer.Enqueue(ctx, task); err != nil {
		h.metrics.DispatchErrors.Inc()
		span.RecordError(err)
		h.logger.Error("task enqueue failed, leaving message unacknowledged",
			"task", task.Name,
			"event_id", env.EventID,
			"event_type", env.EventType,
			"error", err,
		)
		return fmt.Errorf("enqueue %s for %s: %w", task.Name, env.EventID, err)
	}

	h.metrics.TasksDispatched.WithLabelValues(task.Name).Inc()
	h.logger.Debug("dispatched envelope",
		"task", task.Name,
		"event_id", env.EventID,
		"event_type", env.EventType,
		"workspace_id", env.WorkspaceID,
	)
	return nil
}

// Package metrics registers the Prometheus instruments for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	EnvelopesAppended  prometheus.Counter
	EnvelopesPublished prometheus.Counter
	RelayBatchRetries  prometheus.Counter
	RelayPublishTime   prometheus.Histogram
	OutboxPending      prometheus.Gauge

	MessagesFiltered   *prometheus.CounterVec
	TasksDispatched    *prometheus.CounterVec
	DispatchErrors     prometheus.Counter
	MalformedMessages  prometheus.Counter
	InFlightDispatches prometheus.Gauge
}

// New creates and registers all pipeline metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates and registers all pipeline metrics on the given registerer.
// Tests pass a private registry to avoid duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_outbox_envelopes_appended_total",
			Help: "Total envelopes appended to the outbox",
		}),
		EnvelopesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_relay_envelopes_published_total",
			Help: "Total envelopes published to the broker and marked delivered",
		}),
		RelayBatchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_relay_batch_retries_total",
			Help: "Total relay batches retried after a publish failure",
		}),
		RelayPublishTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulse_relay_publish_duration_seconds",
			Help:    "Time to publish one outbox batch to the broker",
			Buckets: prometheus.DefBuckets,
		}),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_outbox_pending_envelopes",
			Help: "Undelivered envelopes waiting in the outbox",
		}),
		MessagesFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_consumer_messages_filtered_total",
			Help: "Messages acknowledged without dispatch, by reason",
		}, []string{"reason"}),
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_consumer_tasks_dispatched_total",
			Help: "Tasks enqueued to the worker queue, by task name",
		}, []string{"task"}),
		DispatchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_consumer_dispatch_errors_total",
			Help: "Enqueue failures that left the message unacknowledged",
		}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_consumer_malformed_messages_total",
			Help: "Broker messages dropped because the envelope could not be parsed",
		}),
		InFlightDispatches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_consumer_inflight_dispatches",
			Help: "Dispatches currently holding an unacknowledged message",
		}),
	}
}

// Package producer wraps a franz-go client for the relay's publish path.
package producer

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"pulse/internal/platform/config"
)

// Record is one message bound for the event-stream topic. Key selects the
// partition, which is what preserves per-entity delivery order.
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer publishes records to a single topic with acks from all in-sync
// replicas. The underlying client is idempotent, so broker-side retries cannot
// reorder records within a partition.
type Producer struct {
	client *kgo.Client
}

// New creates a producer for the configured topic.
func New(cfg config.Kafka) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{client: client}, nil
}

// Publish synchronously produces all records and returns the first error, if
// any. A non-nil error means at least one record lacks a broker ack and the
// whole batch must be treated as unpublished.
func (p *Producer) Publish(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	krecs := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		krec := &kgo.Record{Key: r.Key, Value: r.Value}
		for k, v := range r.Headers {
			krec.Headers = append(krec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		krecs = append(krecs, krec)
	}
	if err := p.client.ProduceSync(ctx, krecs...).FirstErr(); err != nil {
		return fmt.Errorf("produce batch: %w", err)
	}
	return nil
}

// Ping checks broker reachability for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the client.
func (p *Producer) Close() {
	p.client.Close()
}

package relay

import (
	"context"
	"fmt"

	"pulse/internal/platform/kafka/producer"
	"pulse/pkg/event"
)

// Broker record headers carried alongside the envelope body. The event type
// header lets consumers filter without unmarshalling the payload.
const (
	HeaderEventType   = "event_type"
	HeaderWorkspaceID = "workspace_id"
)

// KafkaPublisher maps envelopes to event-stream records. The record key is the
// entity id: all events for one entity land on one partition, which is what
// guarantees a consumer never sees ".removed" before the ".added" it
// supersedes.
type KafkaPublisher struct {
	producer *producer.Producer
}

// NewKafkaPublisher wraps a topic producer.
func NewKafkaPublisher(p *producer.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

// Publish serializes and produces the batch, returning an error unless every
// record was acknowledged.
func (k *KafkaPublisher) Publish(ctx context.Context, envs []event.Envelope) error {
	records := make([]producer.Record, 0, len(envs))
	for _, env := range envs {
		body, err := env.Marshal()
		if err != nil {
			return fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
		}
		records = append(records, producer.Record{
			Key:   []byte(env.EntityID),
			Value: body,
			Headers: map[string]string{
				HeaderEventType:   string(env.EventType),
				HeaderWorkspaceID: env.WorkspaceID,
			},
		})
	}
	return k.producer.Publish(ctx, records...)
}

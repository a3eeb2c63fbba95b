// Package kafka holds the franz-go plumbing shared by the relay producer and
// the automation consumer.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"pulse/internal/platform/config"
)

// EnsureTopic creates the event-stream topic if it does not exist yet. Both
// daemons call this at startup so either can be deployed first.
func EnsureTopic(ctx context.Context, cfg config.Kafka) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer client.Close()

	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, cfg.Partitions, 1, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("create topic %q: %w", cfg.Topic, err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %q: %w", res.Topic, res.Err)
		}
	}
	return nil
}

// Package consumer wraps a franz-go group consumer behind a small message
// callback contract.
//
// Offset handling is the Kafka rendition of per-message acknowledgment: a
// record is marked only after its handler returns nil, marked offsets are
// committed in the background and on shutdown, and anything unmarked is
// redelivered after a restart or rebalance. Records within a partition are
// handled in order, so a handler failure never lets later records on that
// partition commit past the failed one.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/semaphore"

	"pulse/internal/platform/config"
)

// Message is one record delivered from the event-stream topic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Header returns the named header value, or "" when absent.
func (m *Message) Header(key string) string {
	return m.Headers[key]
}

// Handler processes one message. Returning nil acknowledges the message;
// returning an error leaves it unacknowledged and stops the consumer, so the
// broker redelivers it after the supervisor restarts the process.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// Consumer is a long-running group subscriber. Prefetch bounds the number of
// concurrently unacknowledged dispatches: when the handler stalls (task queue
// down), at most Prefetch messages are held in flight and polling backpressures
// naturally.
type Consumer struct {
	client   *kgo.Client
	handler  Handler
	prefetch *semaphore.Weighted
	logger   *slog.Logger
}

// New creates a consumer in the given group, consuming the event-stream topic.
func New(cfg config.Kafka, group string, prefetch int, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.AutoCommitMarks(),
		// Dispatches are bounded by the prefetch semaphore; these bound the
		// fetched-but-unhandled records buffered behind it.
		kgo.FetchMaxBytes(1<<20),
		kgo.FetchMaxPartitionBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Consumer{
		client:   client,
		handler:  handler,
		prefetch: semaphore.NewWeighted(int64(prefetch)),
		logger:   logger,
	}, nil
}

// Run polls and dispatches until ctx is cancelled or the handler fails.
// Cancellation is the graceful path: in-flight dispatches finish, marked
// offsets are committed, and Run returns nil. A handler error drains in-flight
// work, commits what was marked, and returns the error so the process exits
// non-zero and the supervisor restarts it.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return c.shutdown(nil)
		}
		for _, fetchErr := range fetches.Errors() {
			if errors.Is(fetchErr.Err, context.Canceled) {
				continue
			}
			return c.shutdown(fmt.Errorf("fetch %s/%d: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err))
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			firstErr error
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Sequential within the partition keeps per-entity order and
				// keeps offset marks behind any failed record.
				for _, rec := range p.Records {
					if err := c.prefetch.Acquire(ctx, 1); err != nil {
						return
					}
					err := c.handler.Handle(ctx, toMessage(rec))
					if err != nil {
						c.prefetch.Release(1)
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						return
					}
					c.client.MarkCommitRecords(rec)
					c.prefetch.Release(1)
				}
			}()
		})
		wg.Wait()

		if firstErr != nil {
			return c.shutdown(firstErr)
		}
	}
}

// shutdown commits marked offsets with a fresh deadline so acknowledged work
// is never re-dispatched unnecessarily, then passes err through.
func (c *Consumer) shutdown(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if commitErr := c.client.CommitMarkedOffsets(ctx); commitErr != nil {
		c.logger.Error("failed to commit marked offsets on shutdown",
			"error", commitErr,
		)
	}
	return err
}

func toMessage(rec *kgo.Record) *Message {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}
}

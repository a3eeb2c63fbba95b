//go:build integration

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulse/internal/platform/config"
	"pulse/internal/platform/kafka"
	"pulse/internal/platform/kafka/producer"
	"pulse/pkg/testutil/containers"
)

// stallHandler simulates a wedged task queue: every Handle blocks until
// release is closed, then fails so its message stays unacknowledged.
type stallHandler struct {
	release  chan struct{}
	started  atomic.Int64
	inflight atomic.Int64
	maxSeen  atomic.Int64
}

func (h *stallHandler) Handle(_ context.Context, _ *Message) error {
	h.started.Add(1)
	n := h.inflight.Add(1)
	for {
		m := h.maxSeen.Load()
		if n <= m || h.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	<-h.release
	h.inflight.Add(-1)
	return errors.New("task queue unavailable")
}

// ackHandler acknowledges everything and records the keys it saw.
type ackHandler struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (h *ackHandler) Handle(_ context.Context, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[string(msg.Key)] = struct{}{}
	return nil
}

func (h *ackHandler) distinct() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.keys)
}

func TestStalledQueueBoundsDispatchesAndLeavesMessagesUnacked(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	rp := containers.NewRedpandaContainer(t)

	const (
		group    = "automations-consumer-test"
		prefetch = 2
		total    = 10
	)
	kafkaCfg := config.Kafka{
		Brokers:    []string{rp.Broker},
		Topic:      "event_stream_consumer_test",
		Partitions: 6,
	}
	require.NoError(t, kafka.EnsureTopic(ctx, kafkaCfg))

	// All records exist on the log before any consumer joins, spread across
	// partitions by distinct keys.
	prod, err := producer.New(kafkaCfg)
	require.NoError(t, err)
	defer prod.Close()
	records := make([]producer.Record, 0, total)
	for i := 0; i < total; i++ {
		records = append(records, producer.Record{
			Key:   []byte(fmt.Sprintf("issue-%d", i)),
			Value: []byte(fmt.Sprintf("body-%d", i)),
		})
	}
	require.NoError(t, prod.Publish(ctx, records...))

	logger := slog.New(slog.DiscardHandler)

	// Phase 1: with the queue stalled, at most prefetch dispatches may be held
	// in flight no matter how many records are waiting.
	stalled := &stallHandler{release: make(chan struct{})}
	cons, err := New(kafkaCfg, group, prefetch, stalled, logger)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- cons.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stalled.inflight.Load() == prefetch
	}, 60*time.Second, 50*time.Millisecond)

	// Hold the stall long enough for any over-dispatch to show up.
	time.Sleep(2 * time.Second)
	require.EqualValues(t, prefetch, stalled.maxSeen.Load())
	require.EqualValues(t, prefetch, stalled.started.Load(),
		"no dispatch may start beyond the prefetch bound while the queue is stalled")

	// Unblock: the held dispatches fail, the consumer shuts down with the
	// handler error, and nothing was ever marked.
	close(stalled.release)
	select {
	case err := <-runErr:
		require.ErrorContains(t, err, "task queue unavailable")
	case <-time.After(30 * time.Second):
		t.Fatal("consumer did not stop after handler failure")
	}

	// Phase 2: a replacement member in the same group receives every message
	// again, including the ones the failed consumer had already fetched.
	acks := &ackHandler{keys: make(map[string]struct{})}
	replacement, err := New(kafkaCfg, group, prefetch, acks, logger)
	require.NoError(t, err)

	replCtx, cancel := context.WithCancel(ctx)
	replErr := make(chan error, 1)
	go func() { replErr <- replacement.Run(replCtx) }()

	require.Eventually(t, func() bool {
		return acks.distinct() == total
	}, 60*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-replErr:
		require.NoError(t, err, "cancellation is the graceful shutdown path")
	case <-time.After(30 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}

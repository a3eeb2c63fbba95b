package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"pulse/internal/outbox/memory"
	"pulse/internal/platform/metrics"
	"pulse/pkg/event"
)

// fakePublisher records batches and can fail the first failures attempts.
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	attempts int
	batches  [][]event.Envelope
}

func (p *fakePublisher) Publish(_ context.Context, envs []event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failures {
		return errors.New("broker unreachable")
	}
	batch := make([]event.Envelope, len(envs))
	copy(batch, envs)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *fakePublisher) published() []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []event.Envelope
	for _, b := range p.batches {
		all = append(all, b...)
	}
	return all
}

// deniedGate never grants leadership.
type deniedGate struct{}

func (deniedGate) TryAcquire(context.Context) (bool, error) { return false, nil }
func (deniedGate) Release(context.Context) error            { return nil }

type RelaySuite struct {
	suite.Suite
	store *memory.Store
	m     *metrics.Metrics
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupTest() {
	s.store = memory.New()
	s.m = metrics.NewWith(prometheus.NewRegistry())
}

func (s *RelaySuite) newEnvelope(entityID string, at time.Time) event.Envelope {
	env := event.Envelope{
		EventID:       uuid.New(),
		EventType:     "issue.cycle.added",
		EntityType:    "issue",
		EntityID:      entityID,
		WorkspaceID:   "ws-1",
		CreatedAt:     at,
		InitiatorType: event.InitiatorUser,
	}
	s.Require().NoError(s.store.Append(context.Background(), env))
	return env
}

func (s *RelaySuite) runRelay(r *Relay, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Require().NoError(r.Run(ctx))
}

func (s *RelaySuite) TestPublishesAndMarksInOrder() {
	base := time.Now().UTC()
	first := s.newEnvelope("issue-1", base)
	second := s.newEnvelope("issue-1", base.Add(time.Second))
	third := s.newEnvelope("issue-2", base.Add(2*time.Second))

	pub := &fakePublisher{}
	r := New(s.store, pub, StaticGate{}, Config{PollInterval: 5 * time.Millisecond, BatchSize: 10},
		slog.New(slog.DiscardHandler), s.m)
	s.runRelay(r, 100*time.Millisecond)

	got := pub.published()
	s.Require().Len(got, 3)
	s.Equal(first.EventID, got[0].EventID)
	s.Equal(second.EventID, got[1].EventID)
	s.Equal(third.EventID, got[2].EventID)

	for _, env := range got {
		s.True(s.store.Delivered(env.EventID))
	}
}

func (s *RelaySuite) TestRetriesBatchUntilBrokerAccepts() {
	env := s.newEnvelope("issue-1", time.Now().UTC())

	pub := &fakePublisher{failures: 2}
	r := New(s.store, pub, StaticGate{}, Config{PollInterval: 5 * time.Millisecond, BatchSize: 10},
		slog.New(slog.DiscardHandler), s.m)
	s.runRelay(r, 3*time.Second)

	got := pub.published()
	s.Require().Len(got, 1)
	s.Equal(env.EventID, got[0].EventID)
	s.True(s.store.Delivered(env.EventID))
	s.GreaterOrEqual(pub.attempts, 3)
}

func (s *RelaySuite) TestNoMarkingWhilePublishFails() {
	env := s.newEnvelope("issue-1", time.Now().UTC())

	pub := &fakePublisher{failures: 1 << 30} // never succeeds
	r := New(s.store, pub, StaticGate{}, Config{PollInterval: 5 * time.Millisecond, BatchSize: 10},
		slog.New(slog.DiscardHandler), s.m)
	s.runRelay(r, 100*time.Millisecond)

	s.Empty(pub.published())
	s.False(s.store.Delivered(env.EventID))
}

func (s *RelaySuite) TestDrainsMultipleBatches() {
	base := time.Now().UTC()
	for i := 0; i < 25; i++ {
		s.newEnvelope("issue-1", base.Add(time.Duration(i)*time.Millisecond))
	}

	pub := &fakePublisher{}
	r := New(s.store, pub, StaticGate{}, Config{PollInterval: 5 * time.Millisecond, BatchSize: 10},
		slog.New(slog.DiscardHandler), s.m)
	s.runRelay(r, 200*time.Millisecond)

	s.Len(pub.published(), 25)
}

func (s *RelaySuite) TestNonLeaderPublishesNothing() {
	s.newEnvelope("issue-1", time.Now().UTC())

	pub := &fakePublisher{}
	r := New(s.store, pub, deniedGate{}, Config{PollInterval: 5 * time.Millisecond, BatchSize: 10},
		slog.New(slog.DiscardHandler), s.m)
	s.runRelay(r, 50*time.Millisecond)

	s.Empty(pub.published())
}

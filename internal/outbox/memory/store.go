// Package memory provides an in-memory outbox store for unit tests and local
// development. Semantics mirror the postgres implementation: idempotent
// appends, (created_at, event_id) fetch order, delivered markers, retention
// pruning of delivered rows only.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse/pkg/event"
)

type record struct {
	env       event.Envelope
	delivered bool
}

// Store is an in-memory outbox.Store.
type Store struct {
	mu      sync.Mutex
	records map[uuid.UUID]*record
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[uuid.UUID]*record)}
}

// Append stores the envelope; duplicate event_ids are silently ignored.
func (s *Store) Append(_ context.Context, env event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[env.EventID]; ok {
		return nil
	}
	s.records[env.EventID] = &record{env: env}
	return nil
}

// FetchUndelivered returns up to limit undelivered envelopes in
// (created_at, event_id) order.
func (s *Store) FetchUndelivered(_ context.Context, limit int) ([]event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var envs []event.Envelope
	for _, r := range s.records {
		if !r.delivered {
			envs = append(envs, r.env)
		}
	}
	sort.Slice(envs, func(i, j int) bool {
		if envs[i].CreatedAt.Equal(envs[j].CreatedAt) {
			return envs[i].EventID.String() < envs[j].EventID.String()
		}
		return envs[i].CreatedAt.Before(envs[j].CreatedAt)
	})
	if limit > 0 && len(envs) > limit {
		envs = envs[:limit]
	}
	return envs, nil
}

// MarkDelivered stamps the given envelopes as delivered; unknown or
// already-delivered ids are ignored.
func (s *Store) MarkDelivered(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			r.delivered = true
		}
	}
	return nil
}

// Prune removes delivered envelopes created before olderThan.
func (s *Store) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.delivered && r.env.CreatedAt.Before(olderThan) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len reports the total number of stored envelopes, delivered or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Delivered reports whether the envelope with the given id has been marked.
func (s *Store) Delivered(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return ok && r.delivered
}

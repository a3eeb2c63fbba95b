//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	platformpg "pulse/internal/platform/postgres"
	"pulse/pkg/event"
	"pulse/pkg/testutil/containers"
	txcontext "pulse/pkg/tx"
)

type StoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *Store
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(platformpg.Migrate(s.pg.URL))
	s.store = New(s.pg.Pool)
}

func (s *StoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "outbox_events"))
}

func (s *StoreSuite) newEnvelope(entityID string, at time.Time) event.Envelope {
	return event.Envelope{
		EventID:    uuid.New(),
		EventType:  "issue.cycle.added",
		EntityType: "issue",
		EntityID:   entityID,
		Payload: event.Payload{
			Data:               map[string]any{"cycle_id": "cycle-1"},
			PreviousAttributes: map[string]any{},
		},
		WorkspaceID:   "ws-1",
		ProjectID:     "proj-1",
		CreatedAt:     at,
		InitiatorID:   "user-1",
		InitiatorType: event.InitiatorUser,
	}
}

func (s *StoreSuite) TestAppendAndFetchRoundTrip() {
	ctx := context.Background()
	env := s.newEnvelope("issue-1", time.Now().UTC().Truncate(time.Microsecond))

	s.Require().NoError(s.store.Append(ctx, env))

	got, err := s.store.FetchUndelivered(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(env.EventID, got[0].EventID)
	s.Equal(env.EventType, got[0].EventType)
	s.Equal(env.EntityID, got[0].EntityID)
	s.Equal(env.WorkspaceID, got[0].WorkspaceID)
	s.Equal(env.ProjectID, got[0].ProjectID)
	s.Equal(env.InitiatorID, got[0].InitiatorID)
	s.Equal(env.InitiatorType, got[0].InitiatorType)
	s.Equal("cycle-1", got[0].Payload.Data["cycle_id"])
}

func (s *StoreSuite) TestAppendIsIdempotent() {
	ctx := context.Background()
	env := s.newEnvelope("issue-1", time.Now().UTC())

	s.Require().NoError(s.store.Append(ctx, env))

	// Same event_id with different content must not overwrite the first write.
	dup := env
	dup.EntityID = "issue-other"
	s.Require().NoError(s.store.Append(ctx, dup))

	got, err := s.store.FetchUndelivered(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("issue-1", got[0].EntityID)
}

func (s *StoreSuite) TestAppendJoinsTransaction() {
	ctx := context.Background()

	// Rolled back: the envelope must vanish with the business write.
	tx, err := s.pg.Pool.Begin(ctx)
	s.Require().NoError(err)
	rolledBack := s.newEnvelope("issue-rollback", time.Now().UTC())
	s.Require().NoError(s.store.Append(txcontext.WithTx(ctx, tx), rolledBack))
	s.Require().NoError(tx.Rollback(ctx))

	// Committed: the envelope becomes visible atomically with the commit.
	tx, err = s.pg.Pool.Begin(ctx)
	s.Require().NoError(err)
	committed := s.newEnvelope("issue-commit", time.Now().UTC())
	s.Require().NoError(s.store.Append(txcontext.WithTx(ctx, tx), committed))

	// Not yet committed, so not yet visible to the relay.
	got, err := s.store.FetchUndelivered(ctx, 10)
	s.Require().NoError(err)
	s.Empty(got)

	s.Require().NoError(tx.Commit(ctx))

	got, err = s.store.FetchUndelivered(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(committed.EventID, got[0].EventID)
}

func (s *StoreSuite) TestFetchOrderAndLimit() {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	var envs []event.Envelope
	for i := 0; i < 5; i++ {
		env := s.newEnvelope("issue-1", base.Add(time.Duration(i)*time.Millisecond))
		s.Require().NoError(s.store.Append(ctx, env))
		envs = append(envs, env)
	}

	got, err := s.store.FetchUndelivered(ctx, 3)
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	for i := range got {
		s.Equal(envs[i].EventID, got[i].EventID)
	}
}

func (s *StoreSuite) TestMarkDeliveredHidesRows() {
	ctx := context.Background()
	base := time.Now().UTC()
	first := s.newEnvelope("issue-1", base)
	second := s.newEnvelope("issue-2", base.Add(time.Millisecond))
	s.Require().NoError(s.store.Append(ctx, first))
	s.Require().NoError(s.store.Append(ctx, second))

	s.Require().NoError(s.store.MarkDelivered(ctx, []uuid.UUID{first.EventID}))

	got, err := s.store.FetchUndelivered(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(second.EventID, got[0].EventID)

	// Marking again is harmless.
	s.Require().NoError(s.store.MarkDelivered(ctx, []uuid.UUID{first.EventID, second.EventID}))

	pending, err := s.store.PendingCount(ctx)
	s.Require().NoError(err)
	s.Zero(pending)
}

func (s *StoreSuite) TestPruneRemovesOnlyDeliveredRows() {
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	delivered := s.newEnvelope("issue-delivered", old)
	undelivered := s.newEnvelope("issue-pending", old)
	recent := s.newEnvelope("issue-recent", time.Now().UTC())
	for _, env := range []event.Envelope{delivered, undelivered, recent} {
		s.Require().NoError(s.store.Append(ctx, env))
	}
	s.Require().NoError(s.store.MarkDelivered(ctx, []uuid.UUID{delivered.EventID, recent.EventID}))

	horizon := time.Now().UTC().Add(-24 * time.Hour)

	count, err := s.store.PruneCount(ctx, horizon)
	s.Require().NoError(err)
	s.EqualValues(1, count)

	removed, err := s.store.Prune(ctx, horizon)
	s.Require().NoError(err)
	s.EqualValues(1, removed)

	// The undelivered old row is still waiting for the relay.
	got, err := s.store.FetchUndelivered(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(undelivered.EventID, got[0].EventID)
}

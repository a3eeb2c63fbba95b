// Package postgres implements the outbox ledger on PostgreSQL via pgx.
//
// Rows carry a delivered_at marker instead of being deleted on publish, so the
// relay can resume after a crash by re-reading rows where delivered_at is null
// (backed by a partial index) and retention pruning stays a separate concern.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/pkg/event"
	txcontext "pulse/pkg/tx"
)

// Store implements outbox.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates an outbox store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// execer runs statements on either the pool or a transaction joined from ctx.
type execer struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (e execer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if e.tx != nil {
		return e.tx.Exec(ctx, sql, args...)
	}
	return e.pool.Exec(ctx, sql, args...)
}

func (s *Store) execer(ctx context.Context) execer {
	if tx, ok := txcontext.From(ctx); ok {
		return execer{tx: tx}
	}
	return execer{pool: s.pool}
}

// Append inserts the envelope into the outbox table. It joins the caller's
// transaction when one is present in ctx, so the envelope commits or rolls
// back atomically with the business write. Duplicate event_ids are ignored.
func (s *Store) Append(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	query := `
		INSERT INTO outbox_events (
			event_id, event_type, entity_type, entity_id,
			workspace_id, project_id, payload,
			initiator_id, initiator_type, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err = s.execer(ctx).Exec(ctx, query,
		env.EventID,
		string(env.EventType),
		env.EntityType,
		env.EntityID,
		env.WorkspaceID,
		nullable(env.ProjectID),
		payload,
		nullable(env.InitiatorID),
		env.InitiatorType,
		env.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// FetchUndelivered returns up to limit undelivered envelopes in commit order.
// Only committed rows are visible here; an envelope belonging to an in-flight
// business transaction cannot be fetched (read-committed isolation).
func (s *Store) FetchUndelivered(ctx context.Context, limit int) ([]event.Envelope, error) {
	query := `
		SELECT event_id, event_type, entity_type, entity_id,
		       workspace_id, project_id, payload,
		       initiator_id, initiator_type, created_at
		FROM outbox_events
		WHERE delivered_at IS NULL
		ORDER BY created_at, event_id
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query undelivered events: %w", err)
	}
	defer rows.Close()

	var envs []event.Envelope
	for rows.Next() {
		var (
			env         event.Envelope
			eventType   string
			projectID   *string
			initiatorID *string
			payload     []byte
		)
		err := rows.Scan(
			&env.EventID,
			&eventType,
			&env.EntityType,
			&env.EntityID,
			&env.WorkspaceID,
			&projectID,
			&payload,
			&initiatorID,
			&env.InitiatorType,
			&env.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if err := json.Unmarshal(payload, &env.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal outbox payload %s: %w", env.EventID, err)
		}
		env.EventType = event.Type(eventType)
		if projectID != nil {
			env.ProjectID = *projectID
		}
		if initiatorID != nil {
			env.InitiatorID = *initiatorID
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return envs, nil
}

// MarkDelivered stamps the given envelopes as delivered. Already-delivered
// rows keep their original stamp, so overlapping calls are harmless.
func (s *Store) MarkDelivered(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE outbox_events
		SET delivered_at = now()
		WHERE event_id = ANY($1) AND delivered_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("mark events delivered: %w", err)
	}
	return nil
}

// Prune deletes delivered envelopes older than the retention horizon and
// returns the number removed. Undelivered rows are never touched.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_events
		WHERE delivered_at IS NOT NULL AND created_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneCount reports how many delivered envelopes a Prune with the same
// horizon would remove. Used by the prune command's dry-run mode.
func (s *Store) PruneCount(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_events WHERE delivered_at IS NOT NULL AND created_at < $1`,
		olderThan,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prunable events: %w", err)
	}
	return n, nil
}

// PendingCount reports how many undelivered envelopes are waiting. Exposed for
// relay lag metrics and readiness checks.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_events WHERE delivered_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count undelivered events: %w", err)
	}
	return n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Package outbox defines the durable ledger that decouples a producer's commit
// from consumer availability. Envelopes are appended inside the business
// transaction, become visible only after that transaction commits, and are
// drained by the relay in commit order.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pulse/pkg/event"
)

// Store is the durable, ordered, at-least-once-readable envelope ledger.
//
// Append runs inside the caller's transaction (via pkg/tx) and is idempotent
// on event_id: a duplicate append is a no-op, never an error. FetchUndelivered
// returns envelopes in (created_at, event_id) order, never skips a row, and
// may re-return rows whose delivery marking was lost to a crash (at-least-once
// is the contract downstream already tolerates). MarkDelivered stamps rows as
// delivered and is safe to call twice with overlapping sets. Prune removes
// delivered rows older than the retention horizon; undelivered rows are never
// pruned.
type Store interface {
	Append(ctx context.Context, env event.Envelope) error
	FetchUndelivered(ctx context.Context, limit int) ([]event.Envelope, error)
	MarkDelivered(ctx context.Context, ids []uuid.UUID) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

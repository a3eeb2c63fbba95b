package relay

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Gate elects the single logical writer for the outbox. Only the holder may
// fetch and publish, so two relay instances can never double-publish a batch.
type Gate interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// AdvisoryLockGate implements Gate with a Postgres session advisory lock. The
// lock lives on a dedicated connection; losing the connection releases the
// lock and lets a standby relay take over.
type AdvisoryLockGate struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

// NewAdvisoryLockGate creates a gate on the given lock key.
func NewAdvisoryLockGate(pool *pgxpool.Pool, key int64) *AdvisoryLockGate {
	return &AdvisoryLockGate{pool: pool, key: key}
}

// TryAcquire attempts to take the lock without blocking. It is safe to call
// repeatedly; once held, subsequent calls return true without touching the
// database connection again.
func (g *AdvisoryLockGate) TryAcquire(ctx context.Context) (bool, error) {
	if g.conn != nil {
		return true, nil
	}
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire leader connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, g.key).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}
	g.conn = conn
	return true, nil
}

// Release gives up leadership.
func (g *AdvisoryLockGate) Release(ctx context.Context) error {
	if g.conn == nil {
		return nil
	}
	_, err := g.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, g.key)
	g.conn.Release()
	g.conn = nil
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}

// StaticGate is a Gate that always grants leadership. Used in tests and
// single-instance deployments without Postgres-based coordination.
type StaticGate struct{}

func (StaticGate) TryAcquire(context.Context) (bool, error) { return true, nil }
func (StaticGate) Release(context.Context) error            { return nil }

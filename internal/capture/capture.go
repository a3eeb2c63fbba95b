// Package capture translates row mutations on tracked associations into
// Envelopes. Capture runs in the application write path: the caller hands the
// Recorder the before/after row projections inside the same transaction as the
// business write, and the resulting Envelope is appended to the outbox
// atomically with it.
//
// The decision of whether a mutation produces an event is a pure function of
// (old, new) under an association Rule, so the state machine
// absent -> added -> moved* -> removed is testable without a database.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pulse/internal/outbox"
	"pulse/internal/platform/metrics"
	"pulse/pkg/event"
)

// Row is a generic projection of a domain row. The pipeline never interprets
// the domain schema beyond the columns a Rule names.
type Row map[string]any

// Rule describes one tracked association. Entity and Relation name the event
// type ("issue.cycle.*"); TrackedField is the owning-collection foreign key
// whose change means "moved"; SoftDeleteField, when it transitions from unset
// to set, means "removed" and takes priority over a tracked-field change.
type Rule struct {
	Entity          string
	Relation        string
	EntityIDField   string
	TrackedField    string
	SoftDeleteField string
	WorkspaceField  string
	ProjectField    string
	UpdatedByField  string
}

// Change is a single observed mutation: Old is nil on insert. Updates carry
// both projections.
type Change struct {
	Old Row
	New Row
}

// Diff applies the rule to a change and builds the Envelope it produces, if
// any. The bool result is false when the mutation is not event-worthy (an
// update that touched no tracked column, e.g. a timestamp bump).
func (r Rule) Diff(ctx context.Context, ch Change) (event.Envelope, bool) {
	switch {
	case ch.Old == nil && ch.New != nil:
		return r.envelope(ctx, event.ActionAdded, ch.New, event.Payload{
			Data:               ch.New,
			PreviousAttributes: Row{},
		}), true

	case ch.Old != nil && ch.New != nil:
		if r.softDeleted(ch.Old, ch.New) {
			return r.envelope(ctx, event.ActionRemoved, ch.Old, event.Payload{
				Data:               Row{},
				PreviousAttributes: ch.Old,
			}), true
		}
		if r.trackedChanged(ch.Old, ch.New) {
			return r.envelope(ctx, event.ActionMoved, ch.New, event.Payload{
				Data:               ch.New,
				PreviousAttributes: ch.Old,
			}), true
		}
		return event.Envelope{}, false

	default:
		return event.Envelope{}, false
	}
}

// softDeleted reports whether the soft-delete marker transitioned from unset
// to set. A row that was already soft-deleted does not signal again.
func (r Rule) softDeleted(old, new Row) bool {
	if r.SoftDeleteField == "" {
		return false
	}
	return !isSet(old[r.SoftDeleteField]) && isSet(new[r.SoftDeleteField])
}

func (r Rule) trackedChanged(old, new Row) bool {
	if r.TrackedField == "" {
		return false
	}
	return fmt.Sprint(old[r.TrackedField]) != fmt.Sprint(new[r.TrackedField])
}

func (r Rule) envelope(ctx context.Context, action string, row Row, payload event.Payload) event.Envelope {
	wc := event.InitiatorFrom(ctx)
	initiatorID := wc.InitiatorID
	if initiatorID == "" {
		initiatorID = str(row[r.UpdatedByField])
	}
	return event.Envelope{
		EventID:       uuid.New(),
		EventType:     event.JoinType(r.Entity, r.Relation, action),
		EntityType:    r.Entity,
		EntityID:      str(row[r.EntityIDField]),
		Payload:       payload,
		WorkspaceID:   str(row[r.WorkspaceField]),
		ProjectID:     str(row[r.ProjectField]),
		CreatedAt:     time.Now().UTC(),
		InitiatorID:   initiatorID,
		InitiatorType: wc.InitiatorType,
	}
}

// Recorder appends capture envelopes to the outbox. A capture failure is
// logged and swallowed: the business write always wins, a lost envelope is
// preferable to a failed transaction.
type Recorder struct {
	rules   map[string]Rule
	store   outbox.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRecorder builds a Recorder over the given rules. Metrics may be nil for
// callers without an instrumented process.
func NewRecorder(store outbox.Store, logger *slog.Logger, m *metrics.Metrics, rules ...Rule) *Recorder {
	byName := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byName[r.Entity+"."+r.Relation] = r
	}
	return &Recorder{rules: byName, store: store, logger: logger, metrics: m}
}

// Record observes one mutation on the named association and appends the
// resulting envelope, if any, inside the caller's transaction (ctx must carry
// it via pkg/tx for atomicity with the business write). Errors never
// propagate.
func (rec *Recorder) Record(ctx context.Context, association string, ch Change) {
	rule, ok := rec.rules[association]
	if !ok {
		rec.logger.Warn("capture skipped: unknown association",
			"association", association,
		)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			rec.logger.Warn("capture panicked, business write unaffected",
				"association", association,
				"panic", p,
			)
		}
	}()

	env, ok := rule.Diff(ctx, ch)
	if !ok {
		return
	}
	if err := rec.store.Append(ctx, env); err != nil {
		rec.logger.Warn("capture failed to append envelope, business write unaffected",
			"association", association,
			"event_type", env.EventType,
			"entity_id", env.EntityID,
			"workspace_id", env.WorkspaceID,
			"error", err,
		)
		return
	}
	if rec.metrics != nil {
		rec.metrics.EnvelopesAppended.Inc()
	}
}

// isSet treats nil, empty strings, and false as "unset" so soft-delete markers
// may be timestamps, flags, or ids.
func isSet(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case time.Time:
		return !t.IsZero()
	case *time.Time:
		return t != nil && !t.IsZero()
	default:
		return true
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

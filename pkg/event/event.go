// Package event defines the Envelope, the canonical record produced by change
// capture and carried through the outbox, the broker, and the automation
// consumer. Envelopes are immutable once appended; corrections are new
// Envelopes. event_id is the sole deduplication key for every downstream
// consumer, which must tolerate redelivery.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Initiator types. Bulk and background jobs tag their writes so automations
// can suppress reactions to system-originated changes (loop prevention).
const (
	InitiatorUser         = "USER"
	InitiatorSystemImport = "SYSTEM.IMPORT"
)

// Payload carries the symmetric before/after row projections. Data is the full
// current row (empty object on delete signals); PreviousAttributes is the full
// prior row (empty object on creates). Consumers compute diffs from the pair
// without separate before/after schemas.
type Payload struct {
	Data               map[string]any `json:"data"`
	PreviousAttributes map[string]any `json:"previous_attributes"`
}

// Envelope is the unit moved through the whole pipeline.
type Envelope struct {
	EventID       uuid.UUID `json:"event_id"`
	EventType     Type      `json:"event_type"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Payload       Payload   `json:"payload"`
	WorkspaceID   string    `json:"workspace_id"`
	ProjectID     string    `json:"project_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	InitiatorID   string    `json:"initiator_id,omitempty"`
	InitiatorType string    `json:"initiator_type"`
}

// Marshal serializes the Envelope to its JSON wire shape. Empty payload sides
// are emitted as {} rather than null so consumers can rely on object shape.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Payload.Data == nil {
		e.Payload.Data = map[string]any{}
	}
	if e.Payload.PreviousAttributes == nil {
		e.Payload.PreviousAttributes = map[string]any{}
	}
	return json.Marshal(e)
}

// Unmarshal parses an Envelope from its JSON wire shape.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Payload.Data == nil {
		e.Payload.Data = map[string]any{}
	}
	if e.Payload.PreviousAttributes == nil {
		e.Payload.PreviousAttributes = map[string]any{}
	}
	return e, nil
}

// Type is a dot-separated hierarchical event type, e.g. "issue.cycle.added".
// The hierarchy is the basis for prefix-based consumer filtering.
type Type string

// Actions appended to "<entity>.<relation>" by capture.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
	ActionMoved   = "moved"
)

// JoinType builds "<entity>.<relation>.<action>".
func JoinType(entity, relation, action string) Type {
	return Type(entity + "." + relation + "." + action)
}

// HasPrefix reports whether the type falls under the given prefix. A prefix
// either ends with a dot ("issue.") or names a whole segment boundary, so
// "issue." never matches "issuelink.created".
func (t Type) HasPrefix(prefix string) bool {
	if prefix == "" {
		return false
	}
	s := string(t)
	if strings.HasSuffix(prefix, ".") {
		return strings.HasPrefix(s, prefix)
	}
	return s == prefix || strings.HasPrefix(s, prefix+".")
}

// MatchesAny reports whether the type falls under any of the prefixes.
func (t Type) MatchesAny(prefixes []string) bool {
	for _, p := range prefixes {
		if t.HasPrefix(p) {
			return true
		}
	}
	return false
}

// Action returns the final segment of the type ("added", "removed", ...).
func (t Type) Action() string {
	s := string(t)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

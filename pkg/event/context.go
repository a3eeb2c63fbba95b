package event

import "context"

// WriteContext identifies who caused a mutation. It is threaded explicitly
// through the write call chain instead of relying on ambient per-connection
// state, so bulk jobs can tag their writes without touching session variables.
type WriteContext struct {
	InitiatorID   string
	InitiatorType string
}

type ctxKey struct{}

var writeKey = ctxKey{}

// WithInitiator stores a WriteContext in ctx for downstream capture usage.
func WithInitiator(ctx context.Context, wc WriteContext) context.Context {
	return context.WithValue(ctx, writeKey, wc)
}

// InitiatorFrom extracts the WriteContext from ctx. The initiator type
// defaults to USER when unset so ordinary request-path writes need no setup.
func InitiatorFrom(ctx context.Context) WriteContext {
	wc, ok := ctx.Value(writeKey).(WriteContext)
	if !ok {
		return WriteContext{InitiatorType: InitiatorUser}
	}
	if wc.InitiatorType == "" {
		wc.InitiatorType = InitiatorUser
	}
	return wc
}

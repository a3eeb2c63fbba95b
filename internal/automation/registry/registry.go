// Package registry maps event-type prefixes to worker tasks. It decouples
// "which task handles which event type" from the consumer's transport logic:
// a new automation trigger type is a registry entry, never a consumer change.
package registry

import (
	"strings"
	"sync"

	"pulse/pkg/event"
)

// ArgsFunc builds the task arguments from an envelope.
type ArgsFunc func(env event.Envelope) map[string]any

// Binding describes the task invoked for a matched event type.
type Binding struct {
	Task string
	Args ArgsFunc
}

// Registry resolves event types to bindings by longest prefix. It is written
// to during startup wiring and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register binds an event-type prefix to a task. An exact event type is a
// valid prefix; later registrations overwrite earlier ones for the same
// prefix.
func (r *Registry) Register(prefix string, b Binding) {
	if b.Args == nil {
		b.Args = EnvelopeArgs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[strings.TrimSuffix(prefix, ".")] = b
}

// Resolve returns the binding whose prefix is the longest match for the event
// type, walking the dot hierarchy from most to least specific.
func (r *Registry) Resolve(t event.Type) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidate := string(t)
	for candidate != "" {
		if b, ok := r.bindings[candidate]; ok {
			return b, true
		}
		i := strings.LastIndexByte(candidate, '.')
		if i < 0 {
			break
		}
		candidate = candidate[:i]
	}
	return Binding{}, false
}

// EnvelopeArgs is the default args builder: the whole envelope under a single
// key, so downstream rule evaluation receives the event unchanged.
func EnvelopeArgs(env event.Envelope) map[string]any {
	return map[string]any{"envelope": env}
}

// Default returns the registry for the stock issue associations.
func Default() *Registry {
	r := New()
	r.Register("issue.cycle.", Binding{Task: "automations.evaluate_cycle_triggers"})
	r.Register("issue.module.", Binding{Task: "automations.evaluate_module_triggers"})
	r.Register("issue.label.", Binding{Task: "automations.evaluate_label_triggers"})
	r.Register("issue.", Binding{Task: "automations.evaluate_issue_triggers"})
	return r
}

package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/pkg/event"
)

func TestResolveLongestPrefix(t *testing.T) {
	r := New()
	r.Register("issue.", Binding{Task: "generic"})
	r.Register("issue.cycle.", Binding{Task: "cycle"})
	r.Register("issue.cycle.removed", Binding{Task: "cycle-removed"})

	tests := []struct {
		typ  event.Type
		task string
	}{
		{"issue.cycle.removed", "cycle-removed"},
		{"issue.cycle.added", "cycle"},
		{"issue.label.added", "generic"},
		{"issue.updated", "generic"},
	}
	for _, tt := range tests {
		b, ok := r.Resolve(tt.typ)
		require.True(t, ok, "expected binding for %s", tt.typ)
		assert.Equal(t, tt.task, b.Task)
	}
}

func TestResolveNoMatch(t *testing.T) {
	r := New()
	r.Register("issue.", Binding{Task: "generic"})

	_, ok := r.Resolve("workspace.updated")
	assert.False(t, ok)
}

func TestRegisterOverwrites(t *testing.T) {
	r := New()
	r.Register("issue.", Binding{Task: "old"})
	r.Register("issue.", Binding{Task: "new"})

	b, ok := r.Resolve("issue.cycle.added")
	require.True(t, ok)
	assert.Equal(t, "new", b.Task)
}

func TestDefaultArgsBuilder(t *testing.T) {
	r := New()
	r.Register("issue.", Binding{Task: "generic"})

	b, ok := r.Resolve("issue.cycle.added")
	require.True(t, ok)
	require.NotNil(t, b.Args)

	env := event.Envelope{EventID: uuid.New(), EventType: "issue.cycle.added"}
	args := b.Args(env)
	assert.Equal(t, env, args["envelope"])
}

func TestDefaultRegistryBindings(t *testing.T) {
	r := Default()

	tests := []struct {
		typ  event.Type
		task string
	}{
		{"issue.cycle.added", "automations.evaluate_cycle_triggers"},
		{"issue.module.moved", "automations.evaluate_module_triggers"},
		{"issue.label.removed", "automations.evaluate_label_triggers"},
		{"issue.state.changed", "automations.evaluate_issue_triggers"},
	}
	for _, tt := range tests {
		b, ok := r.Resolve(tt.typ)
		require.True(t, ok)
		assert.Equal(t, tt.task, b.Task)
	}
}

package testutil

import (
	"github.com/loomworks/loom/core"
)

// Ref builds a SessionRef with fixed app and user names, varying only the
// session id. Most tests only care about one dimension of the key.
func Ref(sessionID string) core.SessionRef {
	return core.SessionRef{AppName: "test-app", UserID: "test-user", SessionID: sessionID}
}

// SessionBuilder helps construct sessions with fluent chaining for tests.
//
//	sess := NewSessionBuilder("s1").State("k", "v").Events(ev1, ev2).Build()
type SessionBuilder struct {
	ref    core.SessionRef
	state  map[string]any
	events []core.Event
}

// NewSessionBuilder creates a builder for a session with the given id under
// the default test app/user.
func NewSessionBuilder(sessionID string) *SessionBuilder {
	return &SessionBuilder{ref: Ref(sessionID), state: map[string]any{}}
}

// WithRef overrides the full session ref (chainable).
func (b *SessionBuilder) WithRef(ref core.SessionRef) *SessionBuilder {
	b.ref = ref
	return b
}

// State sets a state key/value pair on the resulting session (chainable).
func (b *SessionBuilder) State(key string, val any) *SessionBuilder {
	b.state[key] = val
	return b
}

// Event appends a single event to the session history (chainable).
func (b *SessionBuilder) Event(ev core.Event) *SessionBuilder {
	b.events = append(b.events, ev)
	return b
}

// Events appends multiple events to the session history (chainable).
func (b *SessionBuilder) Events(evs ...core.Event) *SessionBuilder {
	b.events = append(b.events, evs...)
	return b
}

// Build returns a *core.Session with the configured state and events.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.ref)
	for k, v := range b.state {
		s.State[k] = v
	}
	s.Events = append(s.Events, b.events...)
	return s
}

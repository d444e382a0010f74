package core

import (
	"strings"
	"sync"
	"time"
)

// State key prefixes. Keys written without a prefix live in session scope;
// AppPrefix and UserPrefix address state shared across sessions of the same
// app or user; TempPrefix keys exist only for the current invocation and are
// never persisted.
const (
	AppPrefix  = "app:"
	UserPrefix = "user:"
	TempPrefix = "temp:"
)

// IsTempKey reports whether a state key is invocation-scoped.
func IsTempKey(key string) bool { return strings.HasPrefix(key, TempPrefix) }

// SessionRef identifies a session: app name, owning user and session id.
// The id is immutable for the session's lifetime.
type SessionRef struct {
	AppName   string `json:"app_name"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// String renders the ref as a stable composite key.
func (r SessionRef) String() string {
	return r.AppName + "/" + r.UserID + "/" + r.SessionID
}

// Session is a durable conversation record: scoped key/value state plus an
// append-only, ordered event log. Instances handed out by stores are
// snapshots; the store remains the source of truth. Safe for concurrent use.
type Session struct {
	Ref     SessionRef     `json:"ref"`
	State   map[string]any `json:"state"` // merged view: app:, user: and session keys
	Events  []Event        `json:"events"`
	Created time.Time      `json:"created"`
	Updated time.Time      `json:"updated"`
	mu      sync.RWMutex
}

// NewSession creates an empty session for ref.
func NewSession(ref SessionRef) *Session {
	now := time.Now().UTC()
	return &Session{Ref: ref, State: map[string]any{}, Events: []Event{}, Created: now, Updated: now}
}

// GetState returns the value and existence flag for a state key.
func (s *Session) GetState(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// SetState writes one state key, bumping the Updated stamp.
func (s *Session) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State[key] = value
	s.Updated = time.Now().UTC()
}

// MergeState merges a key/value delta into State.
func (s *Session) MergeState(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.State[k] = v
	}
	s.Updated = time.Now().UTC()
}

// GetStateSnapshot returns a shallow copy of the full state map.
func (s *Session) GetStateSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]any, len(s.State))
	for k, v := range s.State {
		snap[k] = v
	}
	return snap
}

// AddEvent appends to the event log. The log is append-only; events are
// never reordered or removed.
func (s *Session) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	s.Updated = time.Now().UTC()
}

// GetEvents returns a defensive copy of the full event log.
func (s *Session) GetEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, len(s.Events))
	copy(events, s.Events)
	return events
}

// GetConversationHistory returns the events usable as model context: user,
// assistant and tool roles, excluding streaming fragments and compaction
// markers (compaction substitution happens at request-building time).
func (s *Session) GetConversationHistory() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := map[string]bool{"user": true, "assistant": true, "tool": true}
	res := make([]Event, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.Content == nil || !allowed[ev.Content.Role] {
			continue
		}
		if ev.IsPartial() || ev.IsCompaction() {
			continue
		}
		res = append(res, ev)
	}
	return res
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		Ref:     s.Ref,
		State:   make(map[string]any, len(s.State)),
		Events:  make([]Event, len(s.Events)),
		Created: s.Created,
		Updated: s.Updated,
	}
	for k, v := range s.State {
		clone.State[k] = v
	}
	copy(clone.Events, s.Events)
	return clone
}

// SessionStore persists sessions, their scoped state and event history.
//
// Contract: AppendEvent is durable and ordered; once it returns nil the
// event is part of the log at a position after every previously appended
// event. ApplyDelta routes keys by prefix (app:, user:, session) and drops
// temp: keys. Get returns a snapshot with the merged state view.
type SessionStore interface {
	Create(ref SessionRef) (*Session, error)
	Get(ref SessionRef) (*Session, error)
	// AppendEvent durably appends ev to the session log and applies any
	// state delta the event carries, routing scope-prefixed keys to their
	// app or user scope. temp: keys are never persisted.
	AppendEvent(ref SessionRef, ev Event) error
	ApplyDelta(ref SessionRef, delta map[string]any) error
	// ListEvents returns events with log index in [start, end). A negative
	// end means "through the tail of the log".
	ListEvents(ref SessionRef, start, end int) ([]Event, error)
}

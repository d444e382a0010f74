package session

import (
	"strings"
	"sync"

	"github.com/loomworks/loom/core"
)

// InMemoryStore is a volatile SessionStore keeping sessions in a process
// local map. It is safe for concurrent access. Returned sessions are clones
// so callers cannot mutate internal state.
//
// State keys are routed by scope prefix: "app:" keys are shared by every
// session of the same application, "user:" keys by every session of the same
// (app, user) pair, and "temp:" keys are never persisted. Scoped values are
// merged into the session view on read.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*core.Session
	appState  map[string]map[string]any // app -> key -> value
	userState map[string]map[string]any // app/user -> key -> value
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*core.Session),
		appState:  make(map[string]map[string]any),
		userState: make(map[string]map[string]any),
	}
}

// Create forces the creation (or overwriting) of a session.
func (s *InMemoryStore) Create(ref core.SessionRef) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.createLocked(ref)), nil
}

// Get returns an existing session view or creates a new one lazily.
func (s *InMemoryStore) Get(ref core.SessionRef) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[ref.String()]
	if !ok {
		sess = s.createLocked(ref)
	}
	return s.viewLocked(sess), nil
}

// AppendEvent adds an event to the session log and applies any state delta
// it carries.
func (s *InMemoryStore) AppendEvent(ref core.SessionRef, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[ref.String()]
	if !ok {
		sess = s.createLocked(ref)
	}
	sess.AddEvent(ev)
	if len(ev.Actions.StateDelta) > 0 {
		s.applyDeltaLocked(ref, sess, ev.Actions.StateDelta)
	}
	return nil
}

// ApplyDelta merges a key/value delta, routing scoped keys to their scope.
func (s *InMemoryStore) ApplyDelta(ref core.SessionRef, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[ref.String()]
	if !ok {
		sess = s.createLocked(ref)
	}
	s.applyDeltaLocked(ref, sess, delta)
	return nil
}

// ListEvents returns events with log index in [start, end); negative end
// means through the tail.
func (s *InMemoryStore) ListEvents(ref core.SessionRef, start, end int) ([]core.Event, error) {
	s.mu.RLock()
	sess, ok := s.sessions[ref.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	events := sess.GetEvents()
	if end < 0 || end > len(events) {
		end = len(events)
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil, nil
	}
	return events[start:end], nil
}

func (s *InMemoryStore) createLocked(ref core.SessionRef) *core.Session {
	sess := core.NewSession(ref)
	s.sessions[ref.String()] = sess
	return sess
}

// viewLocked clones sess and overlays app and user scoped state.
func (s *InMemoryStore) viewLocked(sess *core.Session) *core.Session {
	view := sess.Clone()
	for k, v := range s.appState[sess.Ref.AppName] {
		view.State[k] = v
	}
	for k, v := range s.userState[userKey(sess.Ref)] {
		view.State[k] = v
	}
	return view
}

func (s *InMemoryStore) applyDeltaLocked(ref core.SessionRef, sess *core.Session, delta map[string]any) {
	sessionDelta := map[string]any{}
	for k, v := range delta {
		switch {
		case strings.HasPrefix(k, core.AppPrefix):
			if s.appState[ref.AppName] == nil {
				s.appState[ref.AppName] = map[string]any{}
			}
			s.appState[ref.AppName][k] = v
		case strings.HasPrefix(k, core.UserPrefix):
			uk := userKey(ref)
			if s.userState[uk] == nil {
				s.userState[uk] = map[string]any{}
			}
			s.userState[uk][k] = v
		case core.IsTempKey(k):
			// temp: keys live only for the invocation
		default:
			sessionDelta[k] = v
		}
	}
	if len(sessionDelta) > 0 {
		sess.MergeState(sessionDelta)
	}
}

func userKey(ref core.SessionRef) string {
	return ref.AppName + "/" + ref.UserID
}

package artifact

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/core"
)

// InMemoryStore keeps artifacts in a process-local map, scoped by session
// ref. Safe for concurrent use. Stored and returned byte slices are copied
// so callers can reuse their buffers.
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte // ref -> artifactID -> data
}

// NewInMemoryStore creates an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]byte)}
}

// Save stores data under artifactID, overwriting any previous version.
func (s *InMemoryStore) Save(ref core.SessionRef, artifactID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.String()
	if _, ok := s.artifacts[key]; !ok {
		s.artifacts[key] = make(map[string][]byte)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.artifacts[key][artifactID] = buf
	return nil
}

// Get returns the artifact payload or ErrNotFound.
func (s *InMemoryStore) Get(ref core.SessionRef, artifactID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[ref.String()][artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// List returns the session's artifact ids in lexical order.
func (s *InMemoryStore) List(ref core.SessionRef) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.artifacts[ref.String()]
	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes an artifact; deleting a missing artifact returns
// ErrNotFound.
func (s *InMemoryStore) Delete(ref core.SessionRef, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.String()
	if _, ok := s.artifacts[key][artifactID]; !ok {
		return ErrNotFound
	}
	delete(s.artifacts[key], artifactID)
	return nil
}

var _ core.ArtifactStore = (*InMemoryStore)(nil)

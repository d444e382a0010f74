package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/loomworks/loom/core"
)

// storedMemory is one persisted recall entry.
type storedMemory struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// InMemoryStore is a process-local MemoryStore with case-insensitive
// substring search. Memories are keyed by (app, user), not by session, so a
// fact stored in one conversation is recallable in the next one.
//
// Search is a linear scan scoring hits by matched-token ratio. Suitable for
// tests and small deployments; swap in a vector index for semantic recall.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]storedMemory // app/user -> entries in insertion order
	nextID  int
}

// NewInMemoryStore creates an empty in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]storedMemory)}
}

// Store appends a new memory for the ref's (app, user) scope.
func (m *InMemoryStore) Store(ref core.SessionRef, content string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	key := scopeKey(ref)
	m.entries[key] = append(m.entries[key], storedMemory{
		ID:       fmt.Sprintf("mem_%d", m.nextID),
		Content:  content,
		Metadata: metadata,
	})
	return nil
}

// Search matches query tokens against stored content, case-insensitively.
// Results are ranked by the fraction of query tokens found, best first; ties
// keep insertion order. An empty query matches everything with score 1.
func (m *InMemoryStore) Search(ref core.SessionRef, query string, limit int) ([]core.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := strings.Fields(strings.ToLower(query))
	var results []core.SearchResult
	for _, stored := range m.entries[scopeKey(ref)] {
		score := matchScore(strings.ToLower(stored.Content), tokens)
		if score == 0 {
			continue
		}
		md := make(map[string]any, len(stored.Metadata))
		for k, v := range stored.Metadata {
			md[k] = v
		}
		results = append(results, core.SearchResult{
			ID:       stored.ID,
			Content:  stored.Content,
			Score:    score,
			Metadata: md,
		})
	}
	// Stable sort by score, preserving insertion order within a score.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes a stored memory by id.
func (m *InMemoryStore) Delete(ref core.SessionRef, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopeKey(ref)
	for i, stored := range m.entries[key] {
		if stored.ID == memoryID {
			m.entries[key] = append(m.entries[key][:i], m.entries[key][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memory %q not found", memoryID)
}

func scopeKey(ref core.SessionRef) string {
	return ref.AppName + "/" + ref.UserID
}

// matchScore returns the fraction of tokens contained in content, or 1 for
// an empty token list.
func matchScore(content string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 1
	}
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(content, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

var _ core.MemoryStore = (*InMemoryStore)(nil)

package core

// ArtifactStore persists large binary payloads referenced from events.
// Implementations must be safe for concurrent use and scope artifacts by
// session ref.
type ArtifactStore interface {
	Save(ref SessionRef, artifactID string, data []byte) error
	Get(ref SessionRef, artifactID string) ([]byte, error)
	List(ref SessionRef) ([]string, error)
	Delete(ref SessionRef, artifactID string) error
}

// SearchResult is a retrieved memory snippet with a relevance score.
type SearchResult struct {
	ID       string
	Content  string
	Score    float64
	Metadata map[string]any
}

// MemoryStore persists and retrieves long-lived conversational memory.
// Search may be backed by embeddings, keywords or any heuristic; results are
// ranked best-first. The store is optional; a nil MemoryStore disables
// recall.
type MemoryStore interface {
	Store(ref SessionRef, content string, metadata map[string]any) error
	Search(ref SessionRef, query string, limit int) ([]SearchResult, error)
	Delete(ref SessionRef, memoryID string) error
}

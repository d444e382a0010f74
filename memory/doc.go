// Package memory provides MemoryStore implementations for long-lived
// conversational recall. Memories are scoped to the (app, user) pair so an
// agent can recall facts stored during earlier sessions of the same user.
package memory

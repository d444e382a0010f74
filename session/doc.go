// Package session houses concrete implementations of core.SessionStore.
// The interface itself (and the Session struct) live in the core package to
// centralize domain contracts; keeping only implementations here prevents
// higher level packages (agents, runner) from depending on concrete storage.
//
// The in-memory store suits tests and ephemeral demo servers. The sqlite
// subpackage provides a durable single-file backend. Additional backends
// (Redis, Postgres, Firestore) can be added in subpackages without changing
// calling code.
package session

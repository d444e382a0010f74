// Package testutil contains helper builders used across tests to cut
// boilerplate when constructing core objects (events, sessions, invocation
// contexts). Not intended for production use.
package testutil

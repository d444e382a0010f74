// Package model provides concrete implementations of the core.Model contract.
//
// Provider adapters (OpenAI, Anthropic) live in subpackages so higher layers
// stay decoupled from vendor SDKs. This package itself hosts the in-memory
// MockModel and MockLiveModel used in tests and examples, including scripted
// tool call turns and a bidirectional mock live connection.
package model

// Package runner drives invocations against an agent tree. The Runner owns
// the durable event pump: agents emit events on a channel, the pump appends
// each non-partial event to the session store, forwards it to the caller and
// only then signals the agent to continue. Callers therefore never observe
// an event whose predecessor was not durably appended.
//
// Run executes one buffered request/response invocation. RunLive holds a
// bidirectional connection to a live-capable model open and streams both
// directions through the same pump. At most one invocation runs per session
// at a time.
package runner

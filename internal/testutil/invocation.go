package testutil

import (
	"context"
	"sync"

	"github.com/loomworks/loom/core"
)

// EventRecorder collects events emitted during a test invocation. The emit
// channel is buffered and drained by a background goroutine so agents never
// block; Resume is left nil, which makes WaitForResume a no-op.
type EventRecorder struct {
	mu     sync.Mutex
	events []core.Event
	done   chan struct{}
	emit   chan core.Event
}

// NewEventRecorder starts a recorder draining its emit channel.
func NewEventRecorder() *EventRecorder {
	r := &EventRecorder{
		done: make(chan struct{}),
		emit: make(chan core.Event, 256),
	}
	go func() {
		defer close(r.done)
		for ev := range r.emit {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

// Emit returns the channel to hand to the invocation context.
func (r *EventRecorder) Emit() chan<- core.Event { return r.emit }

// Events stops recording and returns everything captured, in order.
func (r *EventRecorder) Events() []core.Event {
	close(r.emit)
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// Snapshot returns the events captured so far without stopping the recorder.
func (r *EventRecorder) Snapshot() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Event, len(r.events))
	copy(out, r.events)
	return out
}

// NewInvocation builds an invocation context wired to a fresh recorder. The
// session defaults to an empty one under Ref("s1") when sess is nil; opts
// may be zero for contexts that touch no stores.
func NewInvocation(agentName string, userText string, sess *core.Session, opts core.InvocationOptions) (*core.InvocationContext, *EventRecorder) {
	if sess == nil {
		sess = core.NewSession(Ref("s1"))
	}
	rec := NewEventRecorder()
	ic := core.NewInvocationContext(
		context.Background(),
		sess.Ref,
		core.NewID(),
		core.AgentInfo{Name: agentName, Kind: core.AgentKindCustom},
		*core.NewTextContent("user", userText),
		rec.Emit(),
		nil,
		sess,
		opts,
	)
	return ic, rec
}

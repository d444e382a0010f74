// Package loom provides a high-level façade over the runner and service
// abstractions (sessions, artifacts, memory and logging) for building
// multi-agent reasoning systems. Most applications interact with this
// package by:
//  1. Composing an agent tree (model, sequential, parallel, loop, custom)
//  2. Creating a Loom via New() with that tree's root (optionally
//     overriding default in-memory services)
//  3. Running invocations asynchronously (Run) or synchronously (RunSync)
//
// The façade delegates orchestration to runner.Runner while keeping setup
// concise. All defaults are safe for local development and testing;
// production deployments typically supply the SQLite session store and a
// structured logger.
package loom

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/runner"
)

// Options configures the Loom instance. It mirrors runner.Options; see that
// type for field semantics.
type Options = runner.Options

// Loom is the high-level façade wrapping a configured runner.
type Loom struct {
	runner *runner.Runner
}

// New creates a Loom driving the given root agent. Any unset service is
// initialized with an in-memory implementation.
func New(root core.Agent, optFns ...func(o *Options)) *Loom {
	return &Loom{runner: runner.New(root, optFns...)}
}

// Runner exposes the underlying runner for advanced use (live streaming,
// cancellation).
func (l *Loom) Runner() *runner.Runner { return l.runner }

// Sessions exposes the configured session store.
func (l *Loom) Sessions() core.SessionStore { return l.runner.SessionStore() }

// Run starts an asynchronous invocation returning event and error channels.
func (l *Loom) Run(ctx context.Context, ref core.SessionRef, content core.Content) (string, <-chan core.Event, <-chan error, error) {
	return l.runner.Run(ctx, ref, content)
}

// RunText is a convenience wrapper around Run for plain text input.
func (l *Loom) RunText(ctx context.Context, ref core.SessionRef, text string) (string, <-chan core.Event, <-chan error, error) {
	return l.runner.Run(ctx, ref, *core.NewTextContent("user", text))
}

// RunSync drains the async channels, accumulates events and returns them
// alongside the invocation id. On cancellation it returns the events
// collected so far with the context error.
func (l *Loom) RunSync(ctx context.Context, ref core.SessionRef, content core.Content) (string, []core.Event, error) {
	invocationID, eventsCh, errorsCh, err := l.runner.Run(ctx, ref, content)
	if err != nil {
		return "", nil, err
	}

	var events []core.Event
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for err := range errorsCh {
			if runErr == nil {
				runErr = err
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return invocationID, events, ctx.Err()
		case ev, ok := <-eventsCh:
			if !ok {
				<-done
				return invocationID, events, runErr
			}
			events = append(events, ev)
		}
	}
}

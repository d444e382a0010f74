package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/logging"
	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/session"
)

// ErrInvocationInFlight is returned when Run is called for a session that
// already has a running invocation.
var ErrInvocationInFlight = errors.New("invocation already in flight for session")

// Compactor triggers session-history compaction after an invocation. It is
// satisfied by compaction.Compactor.
type Compactor interface {
	MaybeCompact(ctx context.Context, ref core.SessionRef) error
}

// Options holds dependency and configuration overrides passed to New.
type Options struct {
	// EventBufferSize sets channel buffering for the emit and caller-facing
	// event channels.
	EventBufferSize int
	// MaxModelCalls bounds model calls per invocation.
	MaxModelCalls int

	SessionStore  core.SessionStore
	ArtifactStore core.ArtifactStore
	MemoryStore   core.MemoryStore
	Plugins       core.PluginHost
	// Compactor, when set, runs after every successful invocation. Its
	// errors are logged and swallowed.
	Compactor Compactor
	Logger    logging.Logger
}

// Runner coordinates invocations against a root agent: it creates invocation
// contexts, persists the event log through the durable pump and enforces the
// one-invocation-per-session rule. Safe for concurrent use.
type Runner struct {
	agent core.Agent

	eventBufferSize int
	maxModelCalls   int

	sessions  core.SessionStore
	artifacts core.ArtifactStore
	memories  core.MemoryStore
	plugins   core.PluginHost
	compactor Compactor
	logger    logging.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // session key -> cancel
}

// New constructs a Runner for the given root agent. Unset stores default to
// in-memory implementations.
func New(agent core.Agent, optFns ...func(o *Options)) *Runner {
	opts := Options{
		EventBufferSize: 64,
		MaxModelCalls:   100,
		SessionStore:    session.NewInMemoryStore(),
		ArtifactStore:   artifact.NewInMemoryStore(),
		MemoryStore:     memory.NewInMemoryStore(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{
		agent:           agent,
		eventBufferSize: opts.EventBufferSize,
		maxModelCalls:   opts.MaxModelCalls,
		sessions:        opts.SessionStore,
		artifacts:       opts.ArtifactStore,
		memories:        opts.MemoryStore,
		plugins:         opts.Plugins,
		compactor:       opts.Compactor,
		logger:          opts.Logger,
		inflight:        map[string]context.CancelFunc{},
	}
}

// SessionStore exposes the runner's session store, for callers that want to
// pre-create sessions or inspect history.
func (r *Runner) SessionStore() core.SessionStore { return r.sessions }

// Run starts one invocation of the root agent with the given user content.
// It returns the invocation id plus the event and error streams; both are
// closed when the invocation ends. A second Run on a session whose previous
// invocation has not finished fails with ErrInvocationInFlight.
//
// Resuming a paused credential request is a plain Run whose content carries
// the FunctionResponse answering the request.
func (r *Runner) Run(ctx context.Context, ref core.SessionRef, content core.Content) (string, <-chan core.Event, <-chan error, error) {
	ctx, cancel := context.WithCancel(ctx)
	if !r.acquire(ref, cancel) {
		cancel()
		return "", nil, nil, fmt.Errorf("%w: %s", ErrInvocationInFlight, ref.String())
	}

	invocationID := core.NewID()

	userEvent := core.NewUserEvent(invocationID, &content)
	if err := r.sessions.AppendEvent(ref, userEvent); err != nil {
		r.release(ref)
		return "", nil, nil, fmt.Errorf("append user event: %w", err)
	}
	sess, err := r.sessions.Get(ref)
	if err != nil {
		r.release(ref)
		return "", nil, nil, fmt.Errorf("load session: %w", err)
	}

	emit := make(chan core.Event, r.eventBufferSize)
	resume := make(chan struct{}, 1)
	events := make(chan core.Event, r.eventBufferSize)
	errs := make(chan error, 1)

	ic := core.NewInvocationContext(
		ctx, ref, invocationID,
		core.AgentInfo{Name: r.agent.Name(), Kind: r.agent.Kind()},
		content, emit, resume, sess,
		core.InvocationOptions{
			Sessions:      r.sessions,
			Artifacts:     r.artifacts,
			Memory:        r.memories,
			Plugins:       r.plugins,
			MaxModelCalls: r.maxModelCalls,
			Logger:        r.logger,
		},
	)

	var runFailed bool

	go func() {
		// The pump reads runFailed after emit is closed, which orders the
		// write before the read.
		defer close(emit)
		if err := r.runAgent(ic); err != nil {
			runFailed = true
			select {
			case errs <- fmt.Errorf("agent %s: %w", r.agent.Name(), err):
			default:
			}
		}
	}()

	go func() {
		defer func() {
			r.release(ref)
			close(events)
			close(errs)
		}()
		ok := r.pump(ctx, ref, emit, resume, events, errs)
		if ok && !runFailed {
			r.maybeCompact(ref)
		}
	}()

	return invocationID, events, errs, nil
}

// Cancel aborts the running invocation on a session, if any.
func (r *Runner) Cancel(ref core.SessionRef) bool {
	r.mu.Lock()
	cancel, ok := r.inflight[ref.String()]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) runAgent(ic *core.InvocationContext) error {
	if r.plugins != nil {
		if err := r.plugins.BeforeRun(ic); err != nil {
			return fmt.Errorf("before run: %w", err)
		}
	}
	runErr := r.agent.Run(ic)
	if r.plugins != nil {
		if err := r.plugins.AfterRun(ic); err != nil {
			if runErr == nil {
				runErr = fmt.Errorf("after run: %w", err)
			} else {
				r.logger.Warn("runner.after_run.error", "error", err)
			}
		}
	}
	return runErr
}

// pump is the durability loop shared by Run and RunLive: append non-partial
// events, forward every event to the caller, then signal resume. Returns
// false when persistence or delivery failed.
func (r *Runner) pump(
	ctx context.Context,
	ref core.SessionRef,
	emit <-chan core.Event,
	resume chan<- struct{},
	events chan<- core.Event,
	errs chan<- error,
) bool {
	for ev := range emit {
		if !ev.IsPartial() {
			if err := r.sessions.AppendEvent(ref, ev); err != nil {
				select {
				case errs <- fmt.Errorf("append event %s: %w", ev.ID, err):
				default:
				}
				return false
			}
			r.logger.Debug("runner.event.append",
				"event_id", ev.ID, "author", ev.Author, "session", ref.String())
		}
		select {
		case <-ctx.Done():
			return false
		case events <- ev:
		}
		if !ev.IsPartial() {
			// Every durable event earns exactly one resume credit. The send
			// blocks until a waiter (or the buffer) takes it; dropping a
			// credit would strand a branch that emits while its siblings
			// hold the channel.
			select {
			case resume <- struct{}{}:
			case <-ctx.Done():
				return false
			}
		}
	}
	return true
}

func (r *Runner) maybeCompact(ref core.SessionRef) {
	if r.compactor == nil {
		return
	}
	// Detached from the caller's context; compaction is best effort.
	if err := r.compactor.MaybeCompact(context.Background(), ref); err != nil {
		r.logger.Warn("runner.compaction.error", "session", ref.String(), "error", err)
	}
}

func (r *Runner) acquire(ref core.SessionRef, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ref.String()
	if _, busy := r.inflight[key]; busy {
		return false
	}
	r.inflight[key] = cancel
	return true
}

func (r *Runner) release(ref core.SessionRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.inflight[ref.String()]; ok {
		cancel()
		delete(r.inflight, ref.String())
	}
}

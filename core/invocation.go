package core

import (
	"context"
	"fmt"
	"maps"

	"github.com/loomworks/loom/logging"
)

// InvocationContext is the ephemeral per-invocation bundle passed to every
// agent Run. It is exclusively owned by one in-flight invocation, created by
// the runner at invocation start and discarded at the end; it is never
// persisted.
//
// It aggregates the ambient cancellation context, the session snapshot and
// backing services, the branch path locating this execution in the agent
// tree, the emit/resume coordination channels, resolved credentials for
// paused tool calls, and a staged state delta committed when events are
// emitted.
type InvocationContext struct {
	Context      context.Context
	Ref          SessionRef
	InvocationID string
	Agent        AgentInfo
	UserContent  Content

	// Branch is the dot-joined path of agent names locating this execution
	// in the tree. Empty at the root.
	Branch string

	Emit   chan<- Event
	Resume <-chan struct{}

	Sessions  SessionStore
	Artifacts ArtifactStore
	Memory    MemoryStore
	Plugins   PluginHost
	Limiter   *ModelLimiter

	// Credentials maps credential keys to resolved AuthConfigs supplied by
	// the caller when resuming a paused invocation.
	Credentials map[string]AuthConfig

	Session     *Session
	StateDelta  map[string]any
	ArtifactIDs []string

	*loggerAdapter
}

// InvocationOptions bundles the service handles and tunables the runner
// injects when building a context.
type InvocationOptions struct {
	Sessions      SessionStore
	Artifacts     ArtifactStore
	Memory        MemoryStore
	Plugins       PluginHost
	Credentials   map[string]AuthConfig
	MaxModelCalls int
	Logger        logging.Logger
}

// NewInvocationContext constructs a root context for one invocation.
func NewInvocationContext(
	ctx context.Context,
	ref SessionRef,
	invocationID string,
	agent AgentInfo,
	userContent Content,
	emit chan<- Event,
	resume <-chan struct{},
	sess *Session,
	opts InvocationOptions,
) *InvocationContext {
	creds := opts.Credentials
	if creds == nil {
		creds = map[string]AuthConfig{}
	}
	return &InvocationContext{
		Context:       ctx,
		Ref:           ref,
		InvocationID:  invocationID,
		Agent:         agent,
		UserContent:   userContent,
		Emit:          emit,
		Resume:        resume,
		Sessions:      opts.Sessions,
		Artifacts:     opts.Artifacts,
		Memory:        opts.Memory,
		Plugins:       opts.Plugins,
		Limiter:       NewModelLimiter(opts.MaxModelCalls),
		Credentials:   creds,
		Session:       sess,
		StateDelta:    map[string]any{},
		ArtifactIDs:   []string{},
		loggerAdapter: newLoggerAdapter(opts.Logger),
	}
}

// Done mirrors context.Context's Done.
func (ic *InvocationContext) Done() <-chan struct{} { return ic.Context.Done() }

// Err returns the cancellation error, if any.
func (ic *InvocationContext) Err() error { return ic.Context.Err() }

// GetState returns a staged value if present, else the session value.
func (ic *InvocationContext) GetState(k string) (any, bool) {
	if v, ok := ic.StateDelta[k]; ok {
		return v, true
	}
	if ic.Session != nil {
		return ic.Session.GetState(k)
	}
	return nil, false
}

// SetState stages a state mutation. It is persisted when the next event is
// emitted (last-writer-wins per key within the invocation).
func (ic *InvocationContext) SetState(k string, v any) { ic.StateDelta[k] = v }

// ApplyStateDelta merges all pairs from d into the staged delta.
func (ic *InvocationContext) ApplyStateDelta(d map[string]any) {
	maps.Copy(ic.StateDelta, d)
}

// ResolvedCredential returns the caller-supplied credential for key, if any.
func (ic *InvocationContext) ResolvedCredential(key string) (AuthConfig, bool) {
	cfg, ok := ic.Credentials[key]
	if !ok || !cfg.Resolved() {
		return AuthConfig{}, false
	}
	return cfg, true
}

// SaveArtifact stores bytes in the ArtifactStore and stages the id for the
// next emitted event.
func (ic *InvocationContext) SaveArtifact(id string, data []byte) error {
	if ic.Artifacts == nil {
		return fmt.Errorf("artifact store not configured")
	}
	if err := ic.Artifacts.Save(ic.Ref, id, data); err != nil {
		return err
	}
	ic.ArtifactIDs = append(ic.ArtifactIDs, id)
	return nil
}

// GetArtifact retrieves previously saved artifact bytes.
func (ic *InvocationContext) GetArtifact(id string) ([]byte, error) {
	if ic.Artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return ic.Artifacts.Get(ic.Ref, id)
}

// SearchMemory queries the MemoryStore. A missing store yields no results.
func (ic *InvocationContext) SearchMemory(q string, limit int) ([]SearchResult, error) {
	if ic.Memory == nil {
		return []SearchResult{}, nil
	}
	return ic.Memory.Search(ic.Ref, q, limit)
}

// StoreMemory writes content plus metadata to the MemoryStore.
func (ic *InvocationContext) StoreMemory(content string, md map[string]any) error {
	if ic.Memory == nil {
		return fmt.Errorf("memory store not configured")
	}
	return ic.Memory.Store(ic.Ref, content, md)
}

// RefreshSession reloads the session snapshot from the store.
func (ic *InvocationContext) RefreshSession() error {
	if ic.Sessions == nil {
		return fmt.Errorf("session store not configured")
	}
	s, err := ic.Sessions.Get(ic.Ref)
	if err != nil {
		return err
	}
	ic.Session = s
	return nil
}

// Clone returns a shallow copy with deep-copied delta and artifact buffers,
// sharing service handles. Safe for speculative processing.
func (ic *InvocationContext) Clone() *InvocationContext {
	c := *ic
	c.StateDelta = map[string]any{}
	maps.Copy(c.StateDelta, ic.StateDelta)
	c.ArtifactIDs = append([]string{}, ic.ArtifactIDs...)
	return &c
}

// WithBranch clones the context and extends the branch path with name.
func (ic *InvocationContext) WithBranch(name string) *InvocationContext {
	c := ic.Clone()
	c.Branch = JoinBranch(ic.Branch, name)
	return c
}

// NewChildContext derives a context for a nested execution path with its own
// emit/resume channels and fresh staged buffers. Composites use it to
// intercept or isolate child output.
func (ic *InvocationContext) NewChildContext(emit chan<- Event, resume <-chan struct{}, branch string) *InvocationContext {
	finalBranch := ic.Branch
	if branch != "" {
		finalBranch = branch
	}
	c := *ic
	c.Emit = emit
	c.Resume = resume
	c.Branch = finalBranch
	c.StateDelta = map[string]any{}
	c.ArtifactIDs = []string{}
	return &c
}

// EmitEvent stamps the event with the branch path, merges staged state and
// artifact deltas into its actions, sends it, then clears the buffers.
// Returns the cancellation error if the context ends before emission.
// Every non-partial emission must be paired with a WaitForResume; the runner
// issues exactly one resume credit per durable append.
func (ic *InvocationContext) EmitEvent(ev Event) error {
	if ev.Branch == "" {
		ev.Branch = ic.Branch
	}
	if len(ic.StateDelta) > 0 {
		if ev.Actions.StateDelta == nil {
			ev.Actions.StateDelta = map[string]any{}
		}
		maps.Copy(ev.Actions.StateDelta, ic.StateDelta)
	}
	if len(ic.ArtifactIDs) > 0 {
		if ev.Actions.ArtifactDelta == nil {
			ev.Actions.ArtifactDelta = map[string]int{}
		}
		for _, id := range ic.ArtifactIDs {
			ev.Actions.ArtifactDelta[id] = 1
		}
	}
	select {
	case <-ic.Context.Done():
		return ic.Context.Err()
	case ic.Emit <- ev:
	}
	ic.StateDelta = map[string]any{}
	ic.ArtifactIDs = []string{}
	return nil
}

// WaitForResume blocks until the runner signals that the previous event was
// durably appended, or the context is cancelled. A nil Resume channel means
// emission is unsynchronized (tests) and returns immediately.
func (ic *InvocationContext) WaitForResume() error {
	if ic.Resume == nil {
		return nil
	}
	select {
	case <-ic.Resume:
		return nil
	case <-ic.Context.Done():
		return ic.Context.Err()
	}
}

// JoinBranch composes a hierarchical branch path. Empty segments collapse.
func JoinBranch(parent, child string) string {
	if parent == "" {
		return child
	}
	if child == "" {
		return parent
	}
	return parent + "." + child
}

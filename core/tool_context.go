package core

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/logging"
)

// ToolContext is the constrained surface handed to tool implementations. It
// accumulates EventActions (state deltas, transfers, escalation, auth
// requests) without touching the session until the executor applies them to
// the emitted function response event. Tools never append events themselves;
// the runner owns emission.
type ToolContext struct {
	ic             *InvocationContext
	functionCallID string
	eventActions   EventActions
	ctx            context.Context

	*loggerAdapter
}

// NewToolContext binds a tool context to its parent invocation and the
// function call id being executed.
func NewToolContext(ic *InvocationContext, functionCallID string) *ToolContext {
	return &ToolContext{
		ic:             ic,
		functionCallID: functionCallID,
		loggerAdapter:  newLoggerAdapter(ic.Logger()),
	}
}

// Context returns the cancellation context scoping this call. It carries the
// per-call deadline when the executor bound one; otherwise it is the
// invocation context.
func (tc *ToolContext) Context() context.Context {
	if tc.ctx != nil {
		return tc.ctx
	}
	return tc.ic.Context
}

// BindContext scopes the call to ctx, typically a deadline-bearing child of
// the invocation context.
func (tc *ToolContext) BindContext(ctx context.Context) { tc.ctx = ctx }

// Ref returns the session reference.
func (tc *ToolContext) Ref() SessionRef { return tc.ic.Ref }

// InvocationID returns the owning invocation's id.
func (tc *ToolContext) InvocationID() string { return tc.ic.InvocationID }

// FunctionCallID correlates this execution with the model's request.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// AgentName returns the invoking agent's name.
func (tc *ToolContext) AgentName() string { return tc.ic.Agent.Name }

// Logger returns the invocation logger.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }

// GetState reads scoped session state. Values written through this context
// win, then invocation-staged values, then the session.
func (tc *ToolContext) GetState(k string) (any, bool) {
	if v, ok := tc.eventActions.StateDelta[k]; ok {
		return v, true
	}
	return tc.ic.GetState(k)
}

// SetState records a mutation in the local actions delta. The delta is
// private to this call; it reaches the session only when the executor
// applies it to the function response event. That keeps parallel tool
// calls from sharing mutable maps.
func (tc *ToolContext) SetState(k string, v any) {
	if tc.eventActions.StateDelta == nil {
		tc.eventActions.StateDelta = map[string]any{}
	}
	tc.eventActions.StateDelta[k] = v
}

// Actions returns the accumulated event actions.
func (tc *ToolContext) Actions() *EventActions { return &tc.eventActions }

// TransferToAgent requests handoff of control to another agent.
func (tc *ToolContext) TransferToAgent(name string) {
	tc.eventActions.TransferToAgent = &name
	tc.LogInfo("tool.transfer.request", "from_agent", tc.AgentName(), "to_agent", name, "function_call_id", tc.functionCallID)
}

// Escalate signals the enclosing composite (e.g. a loop) to stop.
func (tc *ToolContext) Escalate() {
	b := true
	tc.eventActions.Escalate = &b
	tc.LogInfo("tool.escalate.request", "agent", tc.AgentName(), "function_call_id", tc.functionCallID)
}

// SkipSummarization marks the pending function response as final so the
// model is not asked to rephrase it.
func (tc *ToolContext) SkipSummarization() {
	b := true
	tc.eventActions.SkipSummarization = &b
}

// ListArtifacts returns the artifact ids stored for the current session.
func (tc *ToolContext) ListArtifacts() ([]string, error) {
	if tc.ic.Artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return tc.ic.Artifacts.List(tc.Ref())
}

// RequestCredential records that this call cannot proceed without an
// externally resolved credential. The executor turns it into a pause event;
// it is a control signal, not an error.
func (tc *ToolContext) RequestCredential(cfg AuthConfig) {
	if tc.eventActions.RequestedAuthConfigs == nil {
		tc.eventActions.RequestedAuthConfigs = map[string]AuthConfig{}
	}
	tc.eventActions.RequestedAuthConfigs[tc.functionCallID] = cfg
	tc.LogInfo("tool.auth.requested", "agent", tc.AgentName(), "credential_key", cfg.Key, "function_call_id", tc.functionCallID)
}

// ResolvedCredential returns the caller-supplied credential for key, if any.
func (tc *ToolContext) ResolvedCredential(key string) (AuthConfig, bool) {
	return tc.ic.ResolvedCredential(key)
}

// SaveArtifact persists artifact bytes and records the delta for emission.
func (tc *ToolContext) SaveArtifact(id string, data []byte) error {
	if tc.ic.Artifacts == nil {
		return fmt.Errorf("artifact store not configured")
	}
	if err := tc.ic.Artifacts.Save(tc.Ref(), id, data); err != nil {
		return err
	}
	if tc.eventActions.ArtifactDelta == nil {
		tc.eventActions.ArtifactDelta = map[string]int{}
	}
	tc.eventActions.ArtifactDelta[id] = len(data)
	return nil
}

// LoadArtifact retrieves a persisted artifact by id.
func (tc *ToolContext) LoadArtifact(id string) ([]byte, error) {
	if tc.ic.Artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return tc.ic.Artifacts.Get(tc.Ref(), id)
}

// SearchMemory performs a recall query against the MemoryStore.
func (tc *ToolContext) SearchMemory(q string, limit int) ([]SearchResult, error) {
	return tc.ic.SearchMemory(q, limit)
}

// StoreMemory appends content to the MemoryStore.
func (tc *ToolContext) StoreMemory(content string, md map[string]any) error {
	return tc.ic.StoreMemory(content, md)
}

// GetSessionHistory returns filtered conversation history for context.
func (tc *ToolContext) GetSessionHistory() []Event {
	if tc.ic.Session == nil {
		return nil
	}
	return tc.ic.Session.GetConversationHistory()
}

// ApplyActions merges accumulated EventActions into the provided event.
// Called by the executor when finalizing a function response event.
func (tc *ToolContext) ApplyActions(ev *Event) {
	if len(tc.eventActions.StateDelta) > 0 {
		if ev.Actions.StateDelta == nil {
			ev.Actions.StateDelta = map[string]any{}
		}
		for k, v := range tc.eventActions.StateDelta {
			ev.Actions.StateDelta[k] = v
		}
	}
	if len(tc.eventActions.ArtifactDelta) > 0 {
		if ev.Actions.ArtifactDelta == nil {
			ev.Actions.ArtifactDelta = map[string]int{}
		}
		for k, v := range tc.eventActions.ArtifactDelta {
			ev.Actions.ArtifactDelta[k] = v
		}
	}
	if tc.eventActions.TransferToAgent != nil {
		ev.Actions.TransferToAgent = tc.eventActions.TransferToAgent
	}
	if tc.eventActions.Escalate != nil {
		ev.Actions.Escalate = tc.eventActions.Escalate
	}
	if tc.eventActions.SkipSummarization != nil {
		ev.Actions.SkipSummarization = tc.eventActions.SkipSummarization
	}
	if len(tc.eventActions.RequestedAuthConfigs) > 0 {
		if ev.Actions.RequestedAuthConfigs == nil {
			ev.Actions.RequestedAuthConfigs = map[string]AuthConfig{}
		}
		for k, v := range tc.eventActions.RequestedAuthConfigs {
			ev.Actions.RequestedAuthConfigs[k] = v
		}
	}
}

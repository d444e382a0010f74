// Package flow provides the reason-act execution pipeline for reasoning
// agents.
//
// A flow drives one agent branch: it assembles the model request through
// pluggable request processors, streams the model response as events, and
// executes any requested tool calls before handing the results back to the
// model for another turn. Different flow implementations provide different
// capabilities, such as isolated execution or multi-agent transfer.
package flow

import (
	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/tool"
)

// Flow drives the complete execution pipeline of a reasoning agent for one
// invocation branch. Events are emitted through the invocation context; the
// returned event is the last one emitted (nil when nothing was emitted).
type Flow interface {
	Run(ic *core.InvocationContext) (*core.Event, error)
}

// FlowAgent is the view of a reasoning agent that flows operate on. It
// exposes agent capabilities without leaking the full agent implementation.
type FlowAgent interface {
	// Name returns the agent's display name.
	Name() string

	// Model returns the backend used for generation.
	Model() core.Model

	// ResolveInstructions produces the raw (untemplated) system instructions.
	ResolveInstructions(ic *core.InvocationContext) (string, error)

	// Tools returns the registered tools keyed by name.
	Tools() map[string]tool.Tool

	// PeerAgents returns the agents reachable via transfer from this agent.
	PeerAgents() []core.AgentInfo

	// StreamingEnabled reports whether partial events should be emitted.
	StreamingEnabled() bool

	// TransferEnabled reports whether the transfer_to_agent tool is offered.
	TransferEnabled() bool

	// OutputKey returns the session state key for saving the final response,
	// empty when the response is not captured into state.
	OutputKey() string

	// MaxHistoryMessages bounds the conversation history sent to the model.
	MaxHistoryMessages() int
}

// RequestProcessor mutates the model request before generation. Processors
// run in registration order.
type RequestProcessor interface {
	Name() string
	ProcessRequest(ic *core.InvocationContext, req *core.ModelRequest, agent FlowAgent) error
}

// ResponseProcessor inspects or mutates each model response chunk before it
// is turned into an event.
type ResponseProcessor interface {
	Name() string
	ProcessResponse(ic *core.InvocationContext, resp *core.ModelResponse, agent FlowAgent) error
}

package core

import "errors"

// Agent capability kinds. Composites delegate; Reasoning leaves call the
// model; Custom runs a registered function.
const (
	AgentKindReasoning  = "reasoning"
	AgentKindSequential = "sequential"
	AgentKindParallel   = "parallel"
	AgentKindLoop       = "loop"
	AgentKindCustom     = "custom"
)

// ErrAgentCycle is returned when registering a sub-agent would make the
// ownership tree cyclic.
var ErrAgentCycle = errors.New("agent tree must be acyclic")

// ErrDuplicateAgentName is returned when two children of the same parent
// share a name.
var ErrDuplicateAgentName = errors.New("sub-agent names must be unique within their parent")

// Agent is a node in the execution tree. Reasoning leaves and composite
// coordinators implement the same contract; the runner only ever sees the
// root.
//
// Implementations must respect context cancellation, emit events through the
// InvocationContext, and wait for the resume signal after each non-partial
// event so durable append stays ahead of further production.
type Agent interface {
	Name() string
	Description() string
	// Kind returns one of the AgentKind constants.
	Kind() string
	Run(ic *InvocationContext) error
	SetSubAgents(children ...Agent) error
	SubAgents() []Agent
	Parent() Agent
	FindAgent(name string) Agent
}

// AgentInfo carries identifying details about an agent for contexts and logs.
type AgentInfo struct{ Name, Kind string }

// PluginHost dispatches ordered lifecycle hooks around each orchestration
// stage. All hooks run synchronously in registration order; a hook error
// aborts the stage. A nil host is valid and means "no plugins".
//
// BeforeModel may short-circuit the model call by returning a non-nil
// response; BeforeTool and AfterTool may rewrite the arguments or result by
// returning a non-nil replacement.
type PluginHost interface {
	BeforeRun(ic *InvocationContext) error
	AfterRun(ic *InvocationContext) error
	BeforeModel(ic *InvocationContext, req *ModelRequest) (*ModelResponse, error)
	AfterModel(ic *InvocationContext, resp *ModelResponse) error
	BeforeTool(tc *ToolContext, toolName string, args map[string]any) (map[string]any, error)
	AfterTool(tc *ToolContext, toolName string, result any, callErr error) (any, error)
}

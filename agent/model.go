package agent

import (
	"fmt"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/flow"
	"github.com/loomworks/loom/tool"
)

// ModelAgentOptions configures a ModelAgent. Use functional options with
// NewModelAgent to override the defaults.
type ModelAgentOptions struct {
	Instruction        Instruction
	EnableStreaming    bool
	AllowTransfer      bool
	OutputKey          string
	MaxHistoryMessages int
	Tools              map[string]tool.Tool
}

// ModelAgent is the reasoning leaf of the tree: it drives a language model
// through the flow pipeline, calling registered tools and optionally
// transferring control to sub-agents.
type ModelAgent struct {
	BaseAgent
	backend            core.Model
	instruction        Instruction
	tools              map[string]tool.Tool
	enableStreaming    bool
	allowTransfer      bool
	outputKey          string
	maxHistoryMessages int
}

// NewModelAgent creates a model-backed agent. Defaults: streaming on,
// transfer allowed, 20-message history window, a generic assistant
// instruction.
func NewModelAgent(name string, backend core.Model, optFns ...func(o *ModelAgentOptions)) *ModelAgent {
	opts := ModelAgentOptions{
		Instruction:        NewInstructionFromText(fmt.Sprintf("You are %s, a helpful AI assistant.", name)),
		EnableStreaming:    true,
		AllowTransfer:      true,
		MaxHistoryMessages: 20,
		Tools:              make(map[string]tool.Tool),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	a := &ModelAgent{
		BaseAgent:          NewBaseAgent(name),
		backend:            backend,
		instruction:        opts.Instruction,
		tools:              opts.Tools,
		enableStreaming:    opts.EnableStreaming,
		allowTransfer:      opts.AllowTransfer,
		outputKey:          opts.OutputKey,
		maxHistoryMessages: opts.MaxHistoryMessages,
	}
	a.bind(a)
	return a
}

// RegisterTool adds a tool to the agent's capability set.
func (a *ModelAgent) RegisterTool(t tool.Tool) { a.tools[t.Name()] = t }

// RegisterTools adds multiple tools at once.
func (a *ModelAgent) RegisterTools(tools ...tool.Tool) {
	for _, t := range tools {
		a.RegisterTool(t)
	}
}

// HasTool reports whether a tool with the given name is registered.
func (a *ModelAgent) HasTool(name string) bool {
	_, ok := a.tools[name]
	return ok
}

// Kind implements core.Agent.
func (a *ModelAgent) Kind() string { return core.AgentKindReasoning }

// Model implements flow.FlowAgent.
func (a *ModelAgent) Model() core.Model { return a.backend }

// ResolveInstructions implements flow.FlowAgent.
func (a *ModelAgent) ResolveInstructions(ic *core.InvocationContext) (string, error) {
	return a.instruction.Resolve(ic)
}

// Tools implements flow.FlowAgent. When transfer is possible the registry
// includes the transfer tool.
func (a *ModelAgent) Tools() map[string]tool.Tool {
	registry := make(map[string]tool.Tool, len(a.tools)+1)
	for name, t := range a.tools {
		registry[name] = t
	}
	if peers := a.PeerAgents(); a.TransferEnabled() && len(peers) > 0 {
		names := make([]string, 0, len(peers))
		for _, p := range peers {
			names = append(names, p.Name)
		}
		transfer := tool.NewTransferToAgentTool(names...)
		registry[transfer.Name()] = transfer
	}
	return registry
}

// PeerAgents implements flow.FlowAgent: the transfer targets are this
// agent's sub-agents.
func (a *ModelAgent) PeerAgents() []core.AgentInfo {
	subAgents := a.SubAgents()
	peers := make([]core.AgentInfo, 0, len(subAgents))
	for _, sub := range subAgents {
		peers = append(peers, core.AgentInfo{Name: sub.Name(), Kind: sub.Kind()})
	}
	return peers
}

// StreamingEnabled implements flow.FlowAgent.
func (a *ModelAgent) StreamingEnabled() bool { return a.enableStreaming }

// TransferEnabled implements flow.FlowAgent.
func (a *ModelAgent) TransferEnabled() bool { return a.allowTransfer }

// OutputKey implements flow.FlowAgent.
func (a *ModelAgent) OutputKey() string { return a.outputKey }

// MaxHistoryMessages implements flow.FlowAgent.
func (a *ModelAgent) MaxHistoryMessages() int { return a.maxHistoryMessages }

// Run implements core.Agent. The flow selector picks the pipeline; when the
// flow ends on a transfer action, control is routed to the target agent
// under the same invocation.
func (a *ModelAgent) Run(ic *core.InvocationContext) error {
	fl := flow.NewSelector().SelectFlow(a)
	ic.LogDebug("agent.flow.selected", "agent", a.Name(), "flow", fmt.Sprintf("%T", fl))

	last, err := fl.Run(ic)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.Name(), err)
	}
	if last == nil || last.Actions.TransferToAgent == nil {
		return nil
	}
	return a.transferTo(ic, *last.Actions.TransferToAgent)
}

// transferTo hands the invocation to the named agent. The target is located
// in this agent's subtree first, then from the tree root so siblings are
// reachable. An unknown target is a fatal orchestration error.
func (a *ModelAgent) transferTo(ic *core.InvocationContext, name string) error {
	target := a.FindAgent(name)
	if target == nil {
		target = a.root().FindAgent(name)
	}
	if target == nil {
		err := fmt.Errorf("transfer target %q not found", name)
		ev := core.NewErrorEvent(ic.InvocationID, a.Name(), "TRANSFER_ERROR", err)
		if emitErr := ic.EmitEvent(ev); emitErr == nil {
			_ = ic.WaitForResume()
		}
		return err
	}

	ic.LogInfo("agent.transfer", "from", a.Name(), "to", name)
	childCtx := ic.Clone()
	childCtx.Agent = core.AgentInfo{Name: target.Name(), Kind: target.Kind()}
	return target.Run(childCtx)
}

// root walks to the topmost agent of the tree.
func (a *ModelAgent) root() core.Agent {
	var current core.Agent = a
	for current.Parent() != nil {
		current = current.Parent()
	}
	return current
}

// Interface conformance.
var (
	_ core.Agent     = (*ModelAgent)(nil)
	_ flow.FlowAgent = (*ModelAgent)(nil)
	_ core.Agent     = (*SequentialAgent)(nil)
	_ core.Agent     = (*ParallelAgent)(nil)
	_ core.Agent     = (*LoopAgent)(nil)
	_ core.Agent     = (*CustomAgent)(nil)
)

package flow

// MultiAgentFlow drives an agent that may perform tool calls and transfer
// control to sub-agents. It extends the single-agent pipeline with the
// transfer tool injector so the model sees the concrete set of reachable
// agents.
type MultiAgentFlow struct{ *BaseFlow }

// NewMultiAgentFlow creates a multi-agent flow with default processors.
func NewMultiAgentFlow(agent FlowAgent) *MultiAgentFlow {
	baseFlow := NewBaseFlow(agent)

	baseFlow.AddRequestProcessor(NewInstructionsProcessor())
	baseFlow.AddRequestProcessor(NewMemoryRecallProcessor(0))
	baseFlow.AddRequestProcessor(NewContentsProcessor())
	baseFlow.AddRequestProcessor(NewTransferToolInjector())

	return &MultiAgentFlow{BaseFlow: baseFlow}
}

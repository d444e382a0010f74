package flow

// Selector determines which flow to use based on agent capabilities.
type Selector struct{}

// NewSelector creates a new flow selector.
func NewSelector() *Selector { return &Selector{} }

// SelectFlow chooses the appropriate flow for the given agent:
// SingleAgentFlow for isolated agents, MultiAgentFlow for agents that can
// transfer control.
func (s *Selector) SelectFlow(agent FlowAgent) Flow {
	if !agent.TransferEnabled() && len(agent.PeerAgents()) == 0 {
		return NewSingleAgentFlow(agent)
	}
	return NewMultiAgentFlow(agent)
}

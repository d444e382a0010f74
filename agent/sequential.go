package agent

import (
	"fmt"

	"github.com/loomworks/loom/core"
)

// SequentialAgent runs its children one after another in registration
// order. All children share the session, so each step sees the state the
// previous steps committed. The sequence aborts on the first child error,
// on escalation, on an end-invocation action, and on context cancellation.
type SequentialAgent struct {
	BaseAgent
}

// NewSequentialAgent creates a sequential coordinator over children.
func NewSequentialAgent(name string, children ...core.Agent) (*SequentialAgent, error) {
	a := &SequentialAgent{BaseAgent: NewBaseAgent(name)}
	a.bind(a)
	if err := a.SetSubAgents(children...); err != nil {
		return nil, err
	}
	return a, nil
}

// Kind implements core.Agent.
func (a *SequentialAgent) Kind() string { return core.AgentKindSequential }

// Run implements core.Agent.
func (a *SequentialAgent) Run(ic *core.InvocationContext) error {
	for _, child := range a.SubAgents() {
		if err := ic.Err(); err != nil {
			return err
		}
		// Children stay on the parent branch so later steps see the
		// conversation produced by earlier ones.
		outcome, err := runChild(ic, child, ic.Branch)
		if err != nil {
			return fmt.Errorf("sequential step %s: %w", child.Name(), err)
		}
		if outcome.Stop() {
			ic.LogInfo("agent.sequential.stop",
				"agent", a.Name(),
				"child", child.Name(),
				"escalated", outcome.Escalated,
			)
			return nil
		}
	}
	return nil
}

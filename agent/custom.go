package agent

import (
	"fmt"

	"github.com/loomworks/loom/core"
)

// CustomAgent wraps a user-supplied run function behind the standard agent
// contract so ad-hoc logic composes with the coordinators like any other
// node.
type CustomAgent struct {
	BaseAgent
	run func(ic *core.InvocationContext) error
}

// NewCustomAgent creates an agent executing fn on every run.
func NewCustomAgent(name string, fn func(ic *core.InvocationContext) error) *CustomAgent {
	a := &CustomAgent{BaseAgent: NewBaseAgent(name), run: fn}
	a.bind(a)
	return a
}

// Kind implements core.Agent.
func (a *CustomAgent) Kind() string { return core.AgentKindCustom }

// Run implements core.Agent.
func (a *CustomAgent) Run(ic *core.InvocationContext) error {
	if a.run == nil {
		return fmt.Errorf("custom agent %s has no run function", a.Name())
	}
	return a.run(ic)
}

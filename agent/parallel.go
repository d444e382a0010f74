package agent

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/loomworks/loom/core"
)

// ParallelAgent runs its children concurrently, each on an isolated branch
// path ("Parent.Child") so sibling conversations stay invisible to each
// other while the session state is shared. Events interleave by arrival;
// within one child the emission order is preserved. Run returns after every
// child finished, aggregating all child errors.
type ParallelAgent struct {
	BaseAgent
}

// NewParallelAgent creates a parallel coordinator over children.
func NewParallelAgent(name string, children ...core.Agent) (*ParallelAgent, error) {
	a := &ParallelAgent{BaseAgent: NewBaseAgent(name)}
	a.bind(a)
	if err := a.SetSubAgents(children...); err != nil {
		return nil, err
	}
	return a, nil
}

// Kind implements core.Agent.
func (a *ParallelAgent) Kind() string { return core.AgentKindParallel }

// Run implements core.Agent.
func (a *ParallelAgent) Run(ic *core.InvocationContext) error {
	children := a.SubAgents()
	var wg sync.WaitGroup
	errCh := make(chan error, len(children))

	for _, child := range children {
		wg.Add(1)
		go func(c core.Agent) {
			defer wg.Done()
			branch := core.JoinBranch(ic.Branch, a.Name()+"."+c.Name())
			if _, err := runChild(ic, c, branch); err != nil {
				errCh <- fmt.Errorf("parallel branch %s: %w", c.Name(), err)
			}
		}(child)
	}

	wg.Wait()
	close(errCh)

	var result *multierror.Error
	for err := range errCh {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

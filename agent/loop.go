package agent

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/core"
)

// LoopAgent re-runs a single child until it escalates, ends the invocation,
// or the iteration cap is reached. Session state accumulates across
// iterations; each iteration runs on a fresh branch suffix so one
// iteration's conversation does not leak into the next.
type LoopAgent struct {
	BaseAgent
	maxIterations int
	interval      time.Duration
	stopOnError   bool
}

// LoopOption configures a LoopAgent.
type LoopOption func(*LoopAgent)

// WithMaxIterations caps the number of child runs.
func WithMaxIterations(n int) LoopOption {
	return func(l *LoopAgent) { l.maxIterations = n }
}

// WithInterval inserts a delay between iterations, useful for polling.
func WithInterval(d time.Duration) LoopOption {
	return func(l *LoopAgent) { l.interval = d }
}

// WithContinueOnError keeps iterating when a child run fails instead of
// aborting the loop.
func WithContinueOnError() LoopOption {
	return func(l *LoopAgent) { l.stopOnError = false }
}

// NewLoopAgent creates a loop coordinator around child. Defaults: 5
// iterations, no interval, stop on the first child error.
func NewLoopAgent(name string, child core.Agent, opts ...LoopOption) (*LoopAgent, error) {
	l := &LoopAgent{
		BaseAgent:     NewBaseAgent(name),
		maxIterations: 5,
		stopOnError:   true,
	}
	l.bind(l)
	if err := l.SetSubAgents(child); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Kind implements core.Agent.
func (l *LoopAgent) Kind() string { return core.AgentKindLoop }

// Run implements core.Agent.
func (l *LoopAgent) Run(ic *core.InvocationContext) error {
	children := l.SubAgents()
	if len(children) == 0 {
		return fmt.Errorf("loop agent %s has no child", l.Name())
	}
	child := children[0]

	for i := 1; i <= l.maxIterations; i++ {
		if err := ic.Err(); err != nil {
			return err
		}

		branch := core.JoinBranch(ic.Branch, fmt.Sprintf("%s.iter%d", l.Name(), i))
		outcome, err := runChild(ic, child, branch)
		if err != nil {
			if l.stopOnError {
				return fmt.Errorf("loop iteration %d of %s: %w", i, child.Name(), err)
			}
			ic.LogWarn("agent.loop.iteration_failed",
				"agent", l.Name(),
				"iteration", i,
				"error", err.Error(),
			)
		}
		if outcome.Stop() {
			ic.LogInfo("agent.loop.stop",
				"agent", l.Name(),
				"iteration", i,
				"escalated", outcome.Escalated,
			)
			return nil
		}

		if l.interval > 0 && i < l.maxIterations {
			select {
			case <-ic.Done():
				return ic.Err()
			case <-time.After(l.interval):
			}
		}
	}
	return nil
}

// NewEscalationEvent constructs an event carrying the escalate action.
// Agents emit it when they cannot make further progress and want the
// enclosing loop or sequence to stop.
func NewEscalationEvent(invocationID, author string, content *core.Content) core.Event {
	escalate := true
	ev := core.NewEvent(invocationID, author)
	ev.Actions.Escalate = &escalate
	ev.Content = content
	return ev
}

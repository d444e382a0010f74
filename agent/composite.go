package agent

import (
	"github.com/loomworks/loom/core"
)

// childOutcome captures what a composite needs to know after running one
// child: whether the child (or anything below it) requested escalation or
// the end of the whole invocation.
type childOutcome struct {
	Escalated     bool
	EndInvocation bool
}

// Stop reports whether the composite should stop scheduling further work.
func (o childOutcome) Stop() bool { return o.Escalated || o.EndInvocation }

// runChild executes child on its own branch with intercepted emission. Each
// event is forwarded to the parent context (which appends it durably before
// the forwarder signals the child to continue) and inspected for escalation
// and end-invocation actions. The child finishes before runChild returns.
func runChild(ic *core.InvocationContext, child core.Agent, branch string) (childOutcome, error) {
	intercept := make(chan core.Event)
	// Buffered so a child that exits without waiting never wedges the
	// forwarder on its final resume signal.
	resume := make(chan struct{}, 16)
	childCtx := ic.NewChildContext(intercept, resume, branch)
	childCtx.Agent = core.AgentInfo{Name: child.Name(), Kind: child.Kind()}

	// Forward through a clone so concurrent siblings never share the
	// parent's staged delta buffers.
	fwd := ic.Clone()

	done := make(chan error, 1)
	go func() {
		done <- child.Run(childCtx)
		close(intercept)
	}()

	var outcome childOutcome
	for ev := range intercept {
		if ev.Actions.Escalate != nil && *ev.Actions.Escalate {
			outcome.Escalated = true
		}
		if ev.Actions.EndInvocation != nil && *ev.Actions.EndInvocation {
			outcome.EndInvocation = true
		}

		partial := ev.IsPartial()
		if err := fwd.EmitEvent(ev); err != nil {
			<-done
			return outcome, err
		}
		if partial {
			continue
		}
		// The parent resume confirms the durable append, then the child may
		// produce its next event.
		if err := fwd.WaitForResume(); err != nil {
			<-done
			return outcome, err
		}
		select {
		case resume <- struct{}{}:
		case <-ic.Done():
			<-done
			return outcome, ic.Err()
		}
	}
	return outcome, <-done
}

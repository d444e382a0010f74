package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/core"
)

// ErrLiveUnsupported is returned by RunLive when the root agent's model does
// not implement core.LiveModel.
var ErrLiveUnsupported = errors.New("agent model does not support live streaming")

// liveAgent is the slice of the agent surface live mode needs: a backend to
// connect to and instructions to open the connection with.
type liveAgent interface {
	Model() core.Model
	ResolveInstructions(ic *core.InvocationContext) (string, error)
}

// RunLive opens a bidirectional connection to the root agent's live-capable
// model. Frames read from frames are forwarded into the connection (a frame
// with only an ArtifactID is hydrated from the artifact store; text frames
// are also appended to the session as user events) while model output
// streams back through the durable pump. Closing frames or cancelling ctx
// ends the run; a partial turn cut off by cancellation is finalized with an
// interrupted terminal event.
func (r *Runner) RunLive(ctx context.Context, ref core.SessionRef, frames <-chan core.LiveFrame) (string, <-chan core.Event, <-chan error, error) {
	la, ok := r.agent.(liveAgent)
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: agent %s has no model", ErrLiveUnsupported, r.agent.Name())
	}
	lm, ok := la.Model().(core.LiveModel)
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrLiveUnsupported, la.Model().Info().Name)
	}

	ctx, cancel := context.WithCancel(ctx)
	if !r.acquire(ref, cancel) {
		cancel()
		return "", nil, nil, fmt.Errorf("%w: %s", ErrInvocationInFlight, ref.String())
	}

	invocationID := core.NewID()

	sess, err := r.sessions.Get(ref)
	if err != nil {
		r.release(ref)
		return "", nil, nil, fmt.Errorf("load session: %w", err)
	}

	emit := make(chan core.Event, r.eventBufferSize)
	resume := make(chan struct{}, 1)
	events := make(chan core.Event, r.eventBufferSize)
	errs := make(chan error, 1)

	ic := core.NewInvocationContext(
		ctx, ref, invocationID,
		core.AgentInfo{Name: r.agent.Name(), Kind: r.agent.Kind()},
		core.Content{}, emit, resume, sess,
		core.InvocationOptions{
			Sessions:      r.sessions,
			Artifacts:     r.artifacts,
			Memory:        r.memories,
			Plugins:       r.plugins,
			MaxModelCalls: r.maxModelCalls,
			Logger:        r.logger,
		},
	)

	instructions, err := la.ResolveInstructions(ic)
	if err != nil {
		r.release(ref)
		return "", nil, nil, fmt.Errorf("resolve instructions: %w", err)
	}
	conn, err := lm.Connect(ctx, core.ModelRequest{
		Instructions: instructions,
		Contents:     historyContents(sess),
		Stream:       true,
	})
	if err != nil {
		r.release(ref)
		return "", nil, nil, fmt.Errorf("connect live model: %w", err)
	}

	go func() {
		defer close(emit)
		r.runLiveSession(ic, conn, frames, errs)
	}()

	go func() {
		defer func() {
			r.release(ref)
			close(events)
			close(errs)
		}()
		r.pump(ctx, ref, emit, resume, events, errs)
	}()

	return invocationID, events, errs, nil
}

// runLiveSession forwards caller frames into the connection and converts
// model responses into emitted events until either side ends.
func (r *Runner) runLiveSession(
	ic *core.InvocationContext,
	conn core.LiveConnection,
	frames <-chan core.LiveFrame,
	errs chan<- error,
) {
	// Frame forwarder. Closing frames only stops input; output keeps
	// draining until the connection closes.
	stop := make(chan struct{})
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ic.Done():
				return
			case <-stop:
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := r.forwardFrame(ic, conn, frame); err != nil {
					select {
					case errs <- err:
					default:
					}
					return
				}
			}
		}
	}()
	defer func() {
		close(stop)
		conn.Close()
		<-sendDone
	}()

	var openPartial bool
	inputOpen := sendDone
	recv := conn.Receive()
	for {
		select {
		case <-ic.Done():
			r.finalizeInterrupted(ic, openPartial)
			return
		case <-inputOpen:
			// Input is exhausted. Closing the connection ends the receive
			// stream after pending output drains.
			inputOpen = nil
			conn.Close()
		case resp, ok := <-recv:
			if !ok {
				return
			}
			ev := liveEvent(ic, resp)
			if err := ic.EmitEvent(ev); err != nil {
				return
			}
			openPartial = resp.Partial
			if !resp.Partial {
				if err := ic.WaitForResume(); err != nil {
					return
				}
			}
		}
	}
}

func (r *Runner) forwardFrame(ic *core.InvocationContext, conn core.LiveConnection, frame core.LiveFrame) error {
	if frame.ArtifactID != "" && len(frame.Data) == 0 {
		data, err := ic.GetArtifact(frame.ArtifactID)
		if err != nil {
			return fmt.Errorf("hydrate frame artifact %s: %w", frame.ArtifactID, err)
		}
		frame.Data = data
	}
	if frame.Text != "" {
		ev := core.NewUserEvent(ic.InvocationID, core.NewTextContent("user", frame.Text))
		if err := r.sessions.AppendEvent(ic.Ref, ev); err != nil {
			return fmt.Errorf("append user frame: %w", err)
		}
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// finalizeInterrupted durably closes an interrupted turn so the log never
// ends on a dangling partial.
func (r *Runner) finalizeInterrupted(ic *core.InvocationContext, openPartial bool) {
	if !openPartial {
		return
	}
	ev := core.NewEvent(ic.InvocationID, ic.Agent.Name)
	interrupted, complete := true, true
	ev.Interrupted = &interrupted
	ev.TurnComplete = &complete
	ev.Branch = ic.Branch
	// The pump is already winding down with the cancelled context, so append
	// directly.
	if err := r.sessions.AppendEvent(ic.Ref, ev); err != nil {
		r.logger.Warn("runner.live.finalize.error", "session", ic.Ref.String(), "error", err)
	}
}

// liveEvent maps one model response chunk onto the event log.
func liveEvent(ic *core.InvocationContext, resp core.ModelResponse) core.Event {
	ev := core.NewEvent(ic.InvocationID, ic.Agent.Name)
	content := resp.Content
	ev.Content = &content
	if resp.Partial {
		p := true
		ev.Partial = &p
	}
	ev.TurnComplete = resp.TurnComplete
	ev.Interrupted = resp.Interrupted
	return ev
}

// historyContents flattens prior conversation text for the connection
// handshake.
func historyContents(sess *core.Session) []core.Content {
	var out []core.Content
	for _, ev := range sess.GetEvents() {
		if ev.IsPartial() || ev.Content == nil || ev.Content.Text() == "" {
			continue
		}
		out = append(out, *ev.Content)
	}
	return out
}

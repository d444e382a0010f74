package flow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/tool"
)

// BaseFlow is the reason-act loop shared by the concrete flows. Each turn it
// assembles a model request through its processors, streams the response as
// events, and executes any requested tool calls before looping for the next
// turn. The loop ends on a final response, a pause (credential request or
// long-running call), a transfer action, or an error.
type BaseFlow struct {
	agent              FlowAgent
	requestProcessors  []RequestProcessor
	responseProcessors []ResponseProcessor
	executor           FunctionExecutor
	maxRetries         uint64
	modelTimeout       time.Duration
}

// DefaultModelTimeout bounds one model turn, streaming included.
const DefaultModelTimeout = 5 * time.Minute

// NewBaseFlow creates a flow around agent with the default parallel function
// executor and no processors registered.
func NewBaseFlow(agent FlowAgent) *BaseFlow {
	return &BaseFlow{
		agent:        agent,
		executor:     NewFunctionExecutor(FunctionExecutorConfig{}),
		maxRetries:   2,
		modelTimeout: DefaultModelTimeout,
	}
}

// SetModelTimeout overrides the per-turn model deadline. Zero or negative
// restores the default.
func (f *BaseFlow) SetModelTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultModelTimeout
	}
	f.modelTimeout = d
}

// AddRequestProcessor appends a request processor; registration order defines
// execution order.
func (f *BaseFlow) AddRequestProcessor(p RequestProcessor) {
	f.requestProcessors = append(f.requestProcessors, p)
}

// AddResponseProcessor appends a response processor executed on each model chunk.
func (f *BaseFlow) AddResponseProcessor(p ResponseProcessor) {
	f.responseProcessors = append(f.responseProcessors, p)
}

// SetFunctionExecutor replaces the tool call executor.
func (f *BaseFlow) SetFunctionExecutor(e FunctionExecutor) { f.executor = e }

// Run implements Flow.
func (f *BaseFlow) Run(ic *core.InvocationContext) (*core.Event, error) {
	last, paused, err := f.resumePendingAuth(ic)
	if err != nil {
		return f.emitError(ic, err), err
	}
	if paused {
		return last, nil
	}

	for {
		ev, pause, err := f.runOnce(ic)
		if err != nil {
			return f.emitError(ic, err), err
		}
		if ev != nil {
			last = ev
		}
		if ev == nil || pause {
			return last, nil
		}
		if ev.Actions.TransferToAgent != nil {
			// Caller routes control to the target agent.
			return last, nil
		}
		if len(ev.GetFunctionResponses()) > 0 {
			// Feed tool results back to the model.
			continue
		}
		if ev.IsFinalResponse() {
			return last, nil
		}
	}
}

// emitError surfaces an internal failure as a terminal error event.
func (f *BaseFlow) emitError(ic *core.InvocationContext, err error) *core.Event {
	ev := core.NewErrorEvent(ic.InvocationID, f.agent.Name(), "FLOW_ERROR", err)
	if emitErr := ic.EmitEvent(ev); emitErr != nil {
		return nil
	}
	_ = ic.WaitForResume()
	return &ev
}

// runOnce performs one model turn including tool execution. It returns the
// last emitted event and whether the branch paused awaiting external input.
func (f *BaseFlow) runOnce(ic *core.InvocationContext) (*core.Event, bool, error) {
	// Refresh so processors see everything appended so far, including tool
	// responses from the previous turn.
	if err := ic.RefreshSession(); err != nil {
		ic.LogWarn("flow.session.refresh_failed", "error", err.Error())
	}

	req := &core.ModelRequest{Stream: f.agent.StreamingEnabled()}
	registry := f.agent.Tools()
	req.Tools = toolDefinitions(registry)

	for _, p := range f.requestProcessors {
		if err := p.ProcessRequest(ic, req, f.agent); err != nil {
			return nil, false, fmt.Errorf("request processor %s: %w", p.Name(), err)
		}
	}

	final, err := f.generate(ic, req)
	if err != nil {
		return nil, false, err
	}

	for _, p := range f.responseProcessors {
		if err := p.ProcessResponse(ic, final, f.agent); err != nil {
			return nil, false, fmt.Errorf("response processor %s: %w", p.Name(), err)
		}
	}

	ev := core.NewEvent(ic.InvocationID, f.agent.Name())
	ev.Content = &final.Content
	notPartial := false
	ev.Partial = &notPartial

	ensureCallIDs(ev.Content)
	fnCalls := ev.GetFunctionCalls()

	for _, fc := range fnCalls {
		if impl, ok := registry[fc.Name]; ok && tool.IsLongRunning(impl) {
			ev.LongRunningToolIDs = append(ev.LongRunningToolIDs, fc.ID)
		}
	}

	if len(fnCalls) == 0 {
		complete := true
		ev.TurnComplete = &complete
		if key := f.agent.OutputKey(); key != "" {
			if text := final.Content.Text(); text != "" {
				ev.Actions.StateDelta = map[string]any{key: text}
			}
		}
	}

	if err := ic.EmitEvent(ev); err != nil {
		return nil, false, err
	}
	if err := ic.WaitForResume(); err != nil {
		return &ev, false, err
	}

	if len(fnCalls) == 0 {
		return &ev, false, nil
	}

	lastResp, paused, err := f.executor.Execute(ic, f.agent, registry, fnCalls)
	if err != nil {
		return lastResp, false, err
	}
	if lastResp == nil {
		lastResp = &ev
	}
	// Long-running calls leave the branch suspended even after the other
	// calls in the batch completed.
	if paused || len(ev.LongRunningToolIDs) > 0 {
		return lastResp, true, nil
	}
	return lastResp, false, nil
}

// generate performs the model call with retry on transient failures,
// streaming partial chunks as partial events. Once any output reached the
// caller the attempt is not retried.
func (f *BaseFlow) generate(ic *core.InvocationContext, req *core.ModelRequest) (*core.ModelResponse, error) {
	if ic.Plugins != nil {
		short, err := ic.Plugins.BeforeModel(ic, req)
		if err != nil {
			return nil, fmt.Errorf("before model hook: %w", err)
		}
		if short != nil {
			return short, nil
		}
	}

	if ic.Limiter != nil {
		if err := ic.Limiter.Increment(); err != nil {
			return nil, err
		}
	}

	var final *core.ModelResponse
	emittedAny := false

	op := func() error {
		start := time.Now()
		// Each attempt gets its own deadline; expiry surfaces through errCh
		// and is retried like any other transient failure.
		callCtx, cancel := context.WithTimeout(ic.Context, f.modelTimeout)
		defer cancel()
		respCh, errCh := f.agent.Model().Generate(callCtx, *req)
		for resp := range respCh {
			if resp.Partial {
				emittedAny = true
				partial := true
				ev := core.NewEvent(ic.InvocationID, f.agent.Name())
				ev.Content = &resp.Content
				ev.Partial = &partial
				if err := ic.EmitEvent(ev); err != nil {
					return backoff.Permanent(err)
				}
				continue
			}
			r := resp
			final = &r
		}
		if err := <-errCh; err != nil {
			if emittedAny {
				return backoff.Permanent(err)
			}
			return err
		}
		ic.LogDebug("flow.model.turn",
			"agent", f.agent.Name(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries),
		ic.Context,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("model generate: %w", err)
	}
	if final == nil {
		return nil, fmt.Errorf("model returned no final response")
	}

	if ic.Plugins != nil {
		if err := ic.Plugins.AfterModel(ic, final); err != nil {
			return nil, fmt.Errorf("after model hook: %w", err)
		}
	}
	return final, nil
}

// resumePendingAuth handles an invocation whose user content answers a prior
// credential request. Resolved credentials are registered on the context and
// the originally suspended calls are re-executed before the next model turn.
func (f *BaseFlow) resumePendingAuth(ic *core.InvocationContext) (*core.Event, bool, error) {
	var answers []core.FunctionResponse
	for _, p := range ic.UserContent.Parts {
		if fr, ok := p.(core.FunctionResponsePart); ok && fr.FunctionResponse.Name == tool.RequestCredentialName {
			answers = append(answers, fr.FunctionResponse)
		}
	}
	if len(answers) == 0 {
		return nil, false, nil
	}

	if err := ic.RefreshSession(); err != nil {
		return nil, false, fmt.Errorf("refresh session for auth resume: %w", err)
	}
	events := ic.Session.GetEvents()

	registry := f.agent.Tools()
	var resumed []core.FunctionCall
	for _, ans := range answers {
		fallback := findRequestedAuth(events, ans.ID)
		cfg, ok := tool.ParseCredentialResponse(ans, fallback)
		if !ok {
			return nil, false, fmt.Errorf("malformed credential response for call %s", ans.ID)
		}
		ic.Credentials[cfg.Key] = cfg

		fc, found := findFunctionCall(events, ans.ID)
		if !found {
			return nil, false, fmt.Errorf("no suspended call %s to resume", ans.ID)
		}
		resumed = append(resumed, fc)
	}

	ic.LogInfo("flow.auth.resume", "agent", f.agent.Name(), "calls", len(resumed))
	return f.executor.Execute(ic, f.agent, registry, resumed)
}

// findRequestedAuth locates the AuthConfig recorded when callID was paused.
func findRequestedAuth(events []core.Event, callID string) core.AuthConfig {
	for i := len(events) - 1; i >= 0; i-- {
		if cfg, ok := events[i].Actions.RequestedAuthConfigs[callID]; ok {
			return cfg
		}
	}
	return core.AuthConfig{}
}

// findFunctionCall locates the original tool call with the given id.
func findFunctionCall(events []core.Event, callID string) (core.FunctionCall, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		for _, fc := range events[i].GetFunctionCalls() {
			if fc.ID == callID && fc.Name != tool.RequestCredentialName {
				return fc, true
			}
		}
	}
	return core.FunctionCall{}, false
}

// toolDefinitions converts the registry to wire definitions in stable order.
func toolDefinitions(registry map[string]tool.Tool) []core.ToolDefinition {
	if len(registry) == 0 {
		return nil
	}
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]core.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := registry[name]
		defs = append(defs, core.ToolDefinition{
			Type: "function",
			Function: core.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// ensureCallIDs assigns ids to function calls the backend left blank.
func ensureCallIDs(content *core.Content) {
	if content == nil {
		return
	}
	for i, p := range content.Parts {
		if fc, ok := p.(core.FunctionCallPart); ok && fc.FunctionCall.ID == "" {
			fc.FunctionCall.ID = core.NewID()
			content.Parts[i] = fc
		}
	}
}

package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/tool"
)

// FunctionExecutor executes a batch of tool calls and emits exactly one
// function response event per executed call, in the original call order.
// Implementations must:
//   - Respect context cancellation
//   - Never panic (recover internally and surface an error response)
//   - Apply ToolContext accumulated actions to emitted events
//   - Pause (return true) instead of executing calls whose credential
//     requirement is unresolved
type FunctionExecutor interface {
	Execute(
		ic *core.InvocationContext,
		agent FlowAgent,
		registry map[string]tool.Tool,
		fnCalls []core.FunctionCall,
	) (last *core.Event, paused bool, err error)
}

// DefaultCallTimeout bounds a single tool call when the config leaves
// CallTimeout zero.
const DefaultCallTimeout = 2 * time.Minute

// FunctionExecutorConfig configures the default executor.
type FunctionExecutorConfig struct {
	// MaxParallel caps concurrent execution of parallelizable calls.
	// Zero or negative means no explicit limit.
	MaxParallel int
	// CallTimeout is the deadline applied to each tool call. Expiry turns
	// into an error-tagged function response, never a crashed invocation.
	// Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	// LogStartEvents logs a line as each function starts.
	LogStartEvents bool
}

type functionExecutor struct {
	cfg FunctionExecutorConfig
}

// NewFunctionExecutor constructs the default executor. Calls whose tools
// opted into parallel dispatch run concurrently; everything else runs
// sequentially. Responses are always emitted in the original call order.
func NewFunctionExecutor(cfg FunctionExecutorConfig) FunctionExecutor {
	return &functionExecutor{cfg: cfg}
}

type callOutcome struct {
	tc     *core.ToolContext
	result any
	err    error
}

func (e *functionExecutor) Execute(
	ic *core.InvocationContext,
	agent FlowAgent,
	registry map[string]tool.Tool,
	fnCalls []core.FunctionCall,
) (*core.Event, bool, error) {
	n := len(fnCalls)
	if n == 0 {
		return nil, false, nil
	}
	batchStart := time.Now()

	outcomes := make([]*callOutcome, n)
	var pendingAuth []*core.ToolContext
	var pendingIDs []string

	// Partition: unresolved-credential calls pause, parallelizable calls run
	// concurrently, the rest run sequentially in order.
	var parallel []int
	var sequential []int
	for i, fc := range fnCalls {
		impl, ok := registry[fc.Name]
		if !ok {
			outcomes[i] = &callOutcome{
				tc:  core.NewToolContext(ic, fc.ID),
				err: fmt.Errorf("tool %s not found", fc.Name),
			}
			continue
		}
		tc := core.NewToolContext(ic, fc.ID)
		if err := tool.CheckAuth(impl, tc); err != nil {
			pendingAuth = append(pendingAuth, tc)
			pendingIDs = append(pendingIDs, fc.ID)
			continue
		}
		if tool.IsParallelizable(impl) {
			parallel = append(parallel, i)
		} else {
			sequential = append(sequential, i)
		}
	}

	maxPar := e.cfg.MaxParallel
	if maxPar <= 0 || maxPar > len(parallel) {
		maxPar = len(parallel)
	}
	if maxPar > 0 {
		sem := make(chan struct{}, maxPar)
		var wg sync.WaitGroup
		for _, idx := range parallel {
			if ic.Err() != nil {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				outcomes[i] = e.runCall(ic, agent, registry, fnCalls[i])
			}(idx)
		}
		wg.Wait()
	}

	for _, idx := range sequential {
		if ic.Err() != nil {
			break
		}
		outcomes[idx] = e.runCall(ic, agent, registry, fnCalls[idx])
	}

	// Emit responses in the original call order.
	var last *core.Event
	for i, fc := range fnCalls {
		out := outcomes[i]
		if out == nil {
			continue
		}
		respEv := core.NewFunctionResponseEvent(ic.InvocationID, agent.Name(), fc.ID, fc.Name, out.result, out.err)
		out.tc.ApplyActions(&respEv)
		if err := ic.EmitEvent(respEv); err != nil {
			return last, false, err
		}
		if err := ic.WaitForResume(); err != nil {
			return last, false, err
		}
		last = &respEv
	}

	if len(pendingAuth) > 0 {
		ev, err := e.emitAuthPause(ic, agent, pendingAuth, pendingIDs)
		if err != nil {
			return last, false, err
		}
		return ev, true, nil
	}

	ic.LogDebug("flow.functions.batch",
		"agent", agent.Name(),
		"count", n,
		"parallel", len(parallel),
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)
	return last, false, nil
}

// runCall executes one tool call with plugin hooks and panic recovery.
func (e *functionExecutor) runCall(
	ic *core.InvocationContext,
	agent FlowAgent,
	registry map[string]tool.Tool,
	fc core.FunctionCall,
) *callOutcome {
	tc := core.NewToolContext(ic, fc.ID)
	if e.cfg.LogStartEvents {
		ic.LogInfo("flow.function.start", "agent", agent.Name(), "function", fc.Name, "function_call_id", fc.ID)
	}

	args, err := parseArgs(fc.Arguments)
	if err != nil {
		return &callOutcome{tc: tc, err: err}
	}

	if ic.Plugins != nil {
		replaced, hookErr := ic.Plugins.BeforeTool(tc, fc.Name, args)
		if hookErr != nil {
			return &callOutcome{tc: tc, err: fmt.Errorf("before tool hook: %w", hookErr)}
		}
		if replaced != nil {
			args = replaced
		}
	}

	timeout := e.cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ic.Context, timeout)
	defer cancel()
	tc.BindContext(callCtx)

	type callResult struct {
		value any
		err   error
	}
	resCh := make(chan callResult, 1)

	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ic.LogError("flow.function.panic", "agent", agent.Name(), "function", fc.Name, "recover", r)
				resCh <- callResult{err: panicError(r)}
			}
		}()
		v, callErr := registry[fc.Name].Call(tc, args)
		resCh <- callResult{value: v, err: callErr}
	}()

	var result any
	select {
	case out := <-resCh:
		result, err = out.value, out.err
	case <-callCtx.Done():
		// The call is abandoned. Its staged actions are discarded so a late
		// writer cannot race the emitted response.
		tc = core.NewToolContext(ic, fc.ID)
		err = fmt.Errorf("tool %s: %w", fc.Name, callCtx.Err())
		ic.LogWarn("flow.function.timeout", "agent", agent.Name(), "function", fc.Name, "timeout", timeout.String())
	}

	if ic.Plugins != nil {
		replaced, hookErr := ic.Plugins.AfterTool(tc, fc.Name, result, err)
		if hookErr != nil {
			err = hookErr
		} else if replaced != nil {
			result = replaced
			err = nil
		}
	}

	ic.LogInfo("flow.function.executed",
		"agent", agent.Name(),
		"function", fc.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)
	return &callOutcome{tc: tc, result: result, err: err}
}

// emitAuthPause emits the synthetic credential request that suspends the
// branch. The event carries one request_credential call per pending tool
// call, reusing the suspended call's id, plus the requested AuthConfigs and
// long-running ids that make it a final response.
func (e *functionExecutor) emitAuthPause(
	ic *core.InvocationContext,
	agent FlowAgent,
	pending []*core.ToolContext,
	pendingIDs []string,
) (*core.Event, error) {
	ev := core.NewEvent(ic.InvocationID, agent.Name())
	content := core.Content{Role: "assistant"}
	for _, tc := range pending {
		cfg := tc.Actions().RequestedAuthConfigs[tc.FunctionCallID()]
		content.Parts = append(content.Parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:   tc.FunctionCallID(),
			Name: tool.RequestCredentialName,
			Arguments: core.MarshalArgs(map[string]any{
				"key":    cfg.Key,
				"scheme": cfg.Scheme,
				"params": cfg.Params,
			}),
		}})
		tc.ApplyActions(&ev)
	}
	ev.Content = &content
	ev.LongRunningToolIDs = pendingIDs

	ic.LogInfo("flow.auth.pause", "agent", agent.Name(), "pending", len(pendingIDs))
	if err := ic.EmitEvent(ev); err != nil {
		return nil, err
	}
	if err := ic.WaitForResume(); err != nil {
		return &ev, err
	}
	return &ev, nil
}

func parseArgs(args string) (map[string]any, error) {
	if args == "" {
		return map[string]any{}, nil
	}
	var argMap map[string]any
	if err := json.Unmarshal([]byte(args), &argMap); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	return argMap, nil
}

// panicError converts a recovered panic value to an error carrying the stack.
type panicErr struct {
	val   any
	stack []byte
}

func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }

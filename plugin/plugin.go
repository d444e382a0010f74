// Package plugin provides the lifecycle hook mechanism around invocations.
//
// A Plugin implements any subset of the hook interfaces below; the Host
// dispatches each stage to every registered plugin in registration order.
// Hooks can observe, veto (by returning an error), or rewrite what flows
// through them: BeforeModel may short-circuit the model call with a canned
// response, BeforeTool may rewrite the arguments, AfterTool may rewrite the
// result.
package plugin

import (
	"github.com/loomworks/loom/core"
)

// Plugin is the base contract: an identity plus any subset of the optional
// hook interfaces.
type Plugin interface {
	Name() string
}

// BeforeRunHook runs before the root agent starts.
type BeforeRunHook interface {
	BeforeRun(ic *core.InvocationContext) error
}

// AfterRunHook runs after the root agent finished, error or not.
type AfterRunHook interface {
	AfterRun(ic *core.InvocationContext) error
}

// BeforeModelHook runs before each model generation. Returning a non-nil
// response skips the model call and uses the response instead.
type BeforeModelHook interface {
	BeforeModel(ic *core.InvocationContext, req *core.ModelRequest) (*core.ModelResponse, error)
}

// AfterModelHook runs after each model generation with the final response.
type AfterModelHook interface {
	AfterModel(ic *core.InvocationContext, resp *core.ModelResponse) error
}

// BeforeToolHook runs before each tool call. Returning a non-nil map
// replaces the call arguments; returning an error vetoes the call.
type BeforeToolHook interface {
	BeforeTool(tc *core.ToolContext, toolName string, args map[string]any) (map[string]any, error)
}

// AfterToolHook runs after each tool call. Returning a non-nil result
// replaces the tool's result and clears its error.
type AfterToolHook interface {
	AfterTool(tc *core.ToolContext, toolName string, result any, callErr error) (any, error)
}

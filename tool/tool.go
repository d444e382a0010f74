// Package tool implements the function calling subsystem that lets agents
// invoke structured capabilities (APIs, computations, side effects) with
// schema validated arguments and consistent error handling.
package tool

import (
	"fmt"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/internal/util"
)

// Tool defines the interface for extending agent capabilities with external
// functions.
//
// Tools are registered with reasoning agents to enable function calling. Every
// tool receives a ToolContext giving access to session state, flow control
// signals, credentials, memory, and artifact management.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if used concurrently
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// The description is provided to the model to guide tool selection.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]interface{}

	// Call executes the tool with structured arguments and ToolContext.
	// Arguments are parsed from JSON and validated against the tool's schema.
	Call(toolCtx *core.ToolContext, args map[string]interface{}) (interface{}, error)
}

// ParallelizableTool is an optional capability interface. Tools reporting
// true may be dispatched concurrently with other parallelizable calls from
// the same model turn; everything else runs sequentially in emission order.
type ParallelizableTool interface {
	Tool
	IsParallelizable() bool
}

// LongRunningTool is an optional capability interface. A long-running tool's
// call is acknowledged immediately and its real result arrives in a later
// invocation, so its function call id is recorded on the emitted event and
// the branch pauses instead of feeding the model again.
type LongRunningTool interface {
	Tool
	IsLongRunning() bool
}

// AuthenticatedTool is an optional capability interface for tools that
// cannot run without an externally resolved credential. The executor checks
// the requirement before dispatch and, when unresolved, pauses the
// invocation with a credential request instead of calling the tool.
type AuthenticatedTool interface {
	Tool
	RequiredAuth() core.AuthConfig
}

// IsParallelizable reports whether t opted in to concurrent dispatch.
func IsParallelizable(t Tool) bool {
	p, ok := t.(ParallelizableTool)
	return ok && p.IsParallelizable()
}

// IsLongRunning reports whether t declared itself long running.
func IsLongRunning(t Tool) bool {
	l, ok := t.(LongRunningTool)
	return ok && l.IsLongRunning()
}

// RequiredAuth returns the credential requirement declared by t, if any.
func RequiredAuth(t Tool) (core.AuthConfig, bool) {
	a, ok := t.(AuthenticatedTool)
	if !ok {
		return core.AuthConfig{}, false
	}
	cfg := a.RequiredAuth()
	if cfg.Key == "" && cfg.Scheme == "" {
		return core.AuthConfig{}, false
	}
	if cfg.Key == "" {
		cfg.Key = CredentialKey(cfg.Scheme, t.Name())
	}
	return cfg, true
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string      `json:"tool"`              // Name of the tool that failed
	Message string      `json:"message"`           // Error message
	Code    string      `json:"code"`              // Error code for categorization
	Details interface{} `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

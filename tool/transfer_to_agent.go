package tool

import (
	"fmt"
	"slices"
	"strings"

	"github.com/loomworks/loom/core"
)

// TransferToAgentName is the wire name of the delegation tool.
const TransferToAgentName = "transfer_to_agent"

// transferToAgentTool hands the conversation to another agent. When built
// with an explicit target set it owns the whole delegation contract: the
// schema advertises the targets as an enum and Call rejects anything outside
// the set before the orchestrator ever sees the request.
type transferToAgentTool struct {
	targets []string
}

// NewTransferToAgentTool constructs the delegation tool. With no targets the
// set is open and target resolution is left to the orchestrator.
func NewTransferToAgentTool(targets ...string) Tool {
	return &transferToAgentTool{targets: targets}
}

func (t *transferToAgentTool) Name() string { return TransferToAgentName }

func (t *transferToAgentTool) Description() string {
	if len(t.targets) == 0 {
		return "Hand the conversation to another agent by name. Use when another agent is better suited."
	}
	return fmt.Sprintf("Hand the conversation to one of: %s. Use when that agent is better suited.",
		strings.Join(t.targets, ", "))
}

func (t *transferToAgentTool) Parameters() map[string]any {
	target := map[string]any{
		"type":        "string",
		"description": "Target agent name",
	}
	if len(t.targets) > 0 {
		target["enum"] = slices.Clone(t.targets)
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"agent": target},
		"required":   []string{"agent"},
	}
}

func (t *transferToAgentTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	name, ok := args["agent"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("field 'agent' must be a non-empty string")
	}
	if len(t.targets) > 0 && !slices.Contains(t.targets, name) {
		return nil, fmt.Errorf("unknown transfer target %q, expected one of: %s",
			name, strings.Join(t.targets, ", "))
	}
	tc.TransferToAgent(name)
	return map[string]any{"transferred": true, "agent": name}, nil
}

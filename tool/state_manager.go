package tool

import (
	"fmt"

	"github.com/loomworks/loom/core"
)

// StateManagerTool exposes session state, flow control, memory, and artifact
// operations to the model as a single multiplexed tool. It is mostly useful
// for agents that need scripted access to the runtime rather than bespoke
// tools per operation.
type StateManagerTool struct{}

// NewStateManagerTool creates the state management tool.
func NewStateManagerTool() *StateManagerTool { return &StateManagerTool{} }

// Name returns the tool identifier.
func (t *StateManagerTool) Name() string { return "state_manager" }

// Description returns the tool description.
func (t *StateManagerTool) Description() string {
	return "Manages session state, agent flow control, memory, and artifacts. " +
		"Operations: get_state, set_state, transfer_agent, escalate, save_artifact, " +
		"load_artifact, list_artifacts, search_memory, store_memory, skip_summarization."
}

// Parameters returns the JSON schema for tool parameters.
func (t *StateManagerTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type": "string",
				"enum": []string{
					"get_state", "set_state", "transfer_agent", "escalate",
					"save_artifact", "load_artifact", "list_artifacts",
					"search_memory", "store_memory", "skip_summarization",
				},
				"description": "The operation to perform",
			},
			"key":         map[string]any{"type": "string", "description": "State key for get_state/set_state"},
			"value":       map[string]any{"description": "Value for set_state (any type)"},
			"agent_name":  map[string]any{"type": "string", "description": "Target for transfer_agent"},
			"artifact_id": map[string]any{"type": "string", "description": "Identifier for artifact operations"},
			"data":        map[string]any{"type": "string", "description": "Payload for save_artifact"},
			"query":       map[string]any{"type": "string", "description": "Query for search_memory"},
			"content":     map[string]any{"type": "string", "description": "Content for store_memory"},
			"metadata":    map[string]any{"type": "object", "description": "Metadata for store_memory"},
			"limit":       map[string]any{"type": "integer", "description": "Result limit for search_memory (default 10)"},
		},
		"required": []string{"operation"},
	}
}

// Call dispatches to the requested operation.
func (t *StateManagerTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	op, ok := args["operation"].(string)
	if !ok {
		return nil, fmt.Errorf("operation parameter is required")
	}

	switch op {
	case "get_state":
		key, ok := args["key"].(string)
		if !ok {
			return nil, fmt.Errorf("key parameter is required for get_state")
		}
		value, exists := tc.GetState(key)
		return map[string]any{"key": key, "exists": exists, "value": value}, nil

	case "set_state":
		key, ok := args["key"].(string)
		if !ok {
			return nil, fmt.Errorf("key parameter is required for set_state")
		}
		tc.SetState(key, args["value"])
		return map[string]any{"key": key, "success": true}, nil

	case "transfer_agent":
		name, ok := args["agent_name"].(string)
		if !ok {
			return nil, fmt.Errorf("agent_name parameter is required for transfer_agent")
		}
		tc.TransferToAgent(name)
		return map[string]any{"agent_name": name, "success": true}, nil

	case "escalate":
		tc.Escalate()
		return map[string]any{"success": true}, nil

	case "save_artifact":
		id, ok := args["artifact_id"].(string)
		if !ok {
			return nil, fmt.Errorf("artifact_id parameter is required for save_artifact")
		}
		data, ok := args["data"].(string)
		if !ok {
			return nil, fmt.Errorf("data parameter is required for save_artifact")
		}
		if err := tc.SaveArtifact(id, []byte(data)); err != nil {
			return nil, fmt.Errorf("save artifact: %w", err)
		}
		return map[string]any{"artifact_id": id, "size": len(data), "success": true}, nil

	case "load_artifact":
		id, ok := args["artifact_id"].(string)
		if !ok {
			return nil, fmt.Errorf("artifact_id parameter is required for load_artifact")
		}
		data, err := tc.LoadArtifact(id)
		if err != nil {
			return nil, fmt.Errorf("load artifact: %w", err)
		}
		return map[string]any{"artifact_id": id, "data": string(data), "size": len(data)}, nil

	case "list_artifacts":
		ids, err := tc.ListArtifacts()
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		return map[string]any{"artifacts": ids, "count": len(ids)}, nil

	case "search_memory":
		query, ok := args["query"].(string)
		if !ok {
			return nil, fmt.Errorf("query parameter is required for search_memory")
		}
		limit := 10
		if l, ok := args["limit"].(float64); ok {
			limit = int(l)
		}
		results, err := tc.SearchMemory(query, limit)
		if err != nil {
			return nil, fmt.Errorf("search memory: %w", err)
		}
		return map[string]any{"query": query, "count": len(results), "results": results}, nil

	case "store_memory":
		content, ok := args["content"].(string)
		if !ok {
			return nil, fmt.Errorf("content parameter is required for store_memory")
		}
		metadata, _ := args["metadata"].(map[string]any)
		if err := tc.StoreMemory(content, metadata); err != nil {
			return nil, fmt.Errorf("store memory: %w", err)
		}
		return map[string]any{"success": true}, nil

	case "skip_summarization":
		tc.SkipSummarization()
		return map[string]any{"success": true}, nil

	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}

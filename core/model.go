package core

import (
	"context"
	"encoding/json"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one function offered to the model. Parameters
// is a minimal JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ModelRequest is the normalized input handed to a reasoning backend,
// assembled by the flow's request processors.
type ModelRequest struct {
	Instructions string           `json:"instructions"`
	Contents     []Content        `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage reports token accounting for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelResponse is one (partial or final) chunk from a streaming backend.
type ModelResponse struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Content      Content     `json:"content"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", "tool_calls", ...
	Usage        *TokenUsage `json:"usage,omitempty"`

	// TurnComplete and Interrupted are only set by live connections, which
	// have no request/response boundary to infer turn edges from.
	TurnComplete *bool `json:"turn_complete,omitempty"`
	Interrupted  *bool `json:"interrupted,omitempty"`
}

// ModelInfo carries metadata about a backend implementation.
type ModelInfo struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the reasoning backend contract: one request in, a stream of
// partial then final responses out. Implementations must close both channels
// when generation ends and observe ctx cancellation.
type Model interface {
	Generate(ctx context.Context, req ModelRequest) (<-chan ModelResponse, <-chan error)
	Info() ModelInfo
}

// LiveFrame is one unit of caller input injected into a live connection:
// either text or a binary chunk (e.g. audio) with its MIME type. A frame with
// ArtifactID set references payload bytes already stored in the ArtifactStore.
type LiveFrame struct {
	Text       string `json:"text,omitempty"`
	Data       []byte `json:"data,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// LiveConnection is an open bidirectional channel to a backend. Send may be
// called while Receive is still draining prior output; the backend decides
// how input frames interleave with generation. Close is idempotent and
// terminates the Receive stream.
type LiveConnection interface {
	Send(frame LiveFrame) error
	Receive() <-chan ModelResponse
	Close() error
}

// LiveModel is implemented by backends that support live bidirectional
// streaming in addition to request/response generation.
type LiveModel interface {
	Model
	Connect(ctx context.Context, req ModelRequest) (LiveConnection, error)
}

// MarshalArgs serializes a tool argument map to the wire form used in
// FunctionCall.Arguments.
func MarshalArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

package core

// Part is one polymorphic segment of role-based content. Concrete part types
// implement the unexported isPart marker so the set stays closed.
type Part interface{ isPart() }

// TextPart is a plain text segment.
type TextPart struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (TextPart) isPart() {}

// DataPart is a structured key/value payload segment.
type DataPart struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (DataPart) isPart() {}

// FilePart references binary content, either inlined or stored in the
// artifact store and addressed by id.
type FilePart struct {
	Name       string         `json:"name,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty"` // set when the payload lives in the ArtifactStore
	URI        string         `json:"uri,omitempty"`         // external retrieval URI, if not stored as an artifact
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (FilePart) isPart() {}

// FunctionCall describes a tool invocation requested by the model.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // serialized JSON argument payload
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall   `json:"function_call"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (FunctionCallPart) isPart() {}

// FunctionResponse records the outcome of a function call, correlated by ID.
// Exactly one of Response or Error is meaningful; an auth-required outcome is
// signaled through EventActions.RequestedAuthConfigs, never through Error.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse `json:"function_response"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

func (FunctionResponsePart) isPart() {}

// Content holds a conversation role plus ordered heterogeneous parts.
type Content struct {
	Role  string `json:"role,omitempty"` // user, assistant, tool, system
	Parts []Part `json:"parts"`
}

// Text concatenates all text parts, in order.
func (c Content) Text() string {
	var out string
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// NewTextContent builds single-part text content with the given role.
func NewTextContent(role, text string) *Content {
	return &Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

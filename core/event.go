package core

import (
	"time"

	"github.com/google/uuid"
)

// UserAuthor is the author recorded on events originating outside the agent
// tree (the end user or the surrounding transport).
const UserAuthor = "user"

// Compaction marks an event as the summary of a contiguous, older range of
// the session log. The original events are never deleted; context
// reconstruction substitutes the range with Summary.
type Compaction struct {
	StartID        string    `json:"start_id"`
	EndID          string    `json:"end_id"`
	StartTimestamp time.Time `json:"start_timestamp"`
	EndTimestamp   time.Time `json:"end_timestamp"`
	Summary        *Content  `json:"summary"`
}

// Covers reports whether the range of other is fully contained in c.
func (c Compaction) Covers(other Compaction) bool {
	return !c.StartTimestamp.After(other.StartTimestamp) &&
		!c.EndTimestamp.Before(other.EndTimestamp)
}

// AuthConfig describes a credential a tool needs before it can run. The
// runtime emits it on a pause event; the client resolves it and supplies
// Credential on a follow-up invocation.
type AuthConfig struct {
	Key        string         `json:"key"`    // credential service key
	Scheme     string         `json:"scheme"` // "api_key", "oauth2", ...
	Credential string         `json:"credential,omitempty"`
	Params     map[string]any `json:"params,omitempty"` // scheme-specific hints (auth uri, scopes, ...)
}

// Resolved reports whether the client has filled in the credential.
func (a AuthConfig) Resolved() bool { return a.Credential != "" }

// EventActions encodes orchestration side-effects attached to an Event.
// Fields are pointers or maps so absence is distinguishable from zero values;
// the runner interprets them after persisting the event.
type EventActions struct {
	SkipSummarization    *bool                 `json:"skip_summarization,omitempty"`
	StateDelta           map[string]any        `json:"state_delta,omitempty"`
	ArtifactDelta        map[string]int        `json:"artifact_delta,omitempty"`
	TransferToAgent      *string               `json:"transfer_to_agent,omitempty"`
	Escalate             *bool                 `json:"escalate,omitempty"`
	EndInvocation        *bool                 `json:"end_invocation,omitempty"`
	RequestedAuthConfigs map[string]AuthConfig `json:"requested_auth_configs,omitempty"`
	Compaction           *Compaction           `json:"compaction,omitempty"`
}

// Event is the immutable record of one orchestration step. It is the unit of
// communication between agents, the runner and external clients; once emitted
// it must not be mutated.
type Event struct {
	ID                 string       `json:"id"`
	InvocationID       string       `json:"invocation_id"`
	Author             string       `json:"author"` // agent name or UserAuthor
	Branch             string       `json:"branch,omitempty"`
	Timestamp          time.Time    `json:"timestamp"`
	Content            *Content     `json:"content,omitempty"`
	Actions            EventActions `json:"actions"`
	LongRunningToolIDs []string     `json:"long_running_tool_ids,omitempty"`
	Partial            *bool        `json:"partial,omitempty"`
	TurnComplete       *bool        `json:"turn_complete,omitempty"`
	Interrupted        *bool        `json:"interrupted,omitempty"`
	ErrorCode          *string      `json:"error_code,omitempty"`
	ErrorMessage       *string      `json:"error_message,omitempty"`
}

// NewID generates a unique identifier for events and invocations.
func NewID() string { return uuid.NewString() }

// NewEvent creates a bare event authored by author under an invocation.
// Prefer the semantic constructors below for common shapes.
func NewEvent(invocationID, author string) Event {
	return Event{
		ID:           NewID(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now().UTC(),
	}
}

// NewUserEvent creates a user-authored event carrying arbitrary content.
func NewUserEvent(invocationID string, content *Content) Event {
	e := NewEvent(invocationID, UserAuthor)
	e.Content = content
	return e
}

// NewMessageEvent creates an assistant message event with a single text part.
func NewMessageEvent(invocationID, author, text string) Event {
	e := NewEvent(invocationID, author)
	e.Content = NewTextContent("assistant", text)
	return e
}

// NewFunctionResponseEvent records the completion (or failure) of a tool
// call. A non-nil err is copied into the response's Error field.
func NewFunctionResponseEvent(invocationID, author, callID, name string, result any, err error) Event {
	e := NewEvent(invocationID, author)
	fr := FunctionResponse{ID: callID, Name: name, Response: result}
	if err != nil {
		fr.Error = err.Error()
	}
	e.Content = &Content{Role: "tool", Parts: []Part{FunctionResponsePart{FunctionResponse: fr}}}
	return e
}

// NewErrorEvent creates a terminal error event for the invocation.
func NewErrorEvent(invocationID, author, code string, err error) Event {
	e := NewEvent(invocationID, author)
	msg := err.Error()
	e.ErrorCode = &code
	e.ErrorMessage = &msg
	complete := true
	e.TurnComplete = &complete
	return e
}

// IsPartial reports whether this event is a streaming fragment that will be
// followed by more events completing the same logical unit.
func (e Event) IsPartial() bool { return e.Partial != nil && *e.Partial }

// IsCompaction reports whether this event carries a compaction summary.
func (e Event) IsCompaction() bool { return e.Actions.Compaction != nil }

// GetFunctionCalls returns the FunctionCall parts in emission order.
func (e Event) GetFunctionCalls() []FunctionCall {
	if e.Content == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range e.Content.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// GetFunctionResponses returns the FunctionResponse parts in order.
func (e Event) GetFunctionResponses() []FunctionResponse {
	if e.Content == nil {
		return nil
	}
	var responses []FunctionResponse
	for _, p := range e.Content.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// IsFinalResponse reports whether this event completes a logical agent turn:
// nothing left pending and not a streaming fragment. Events carrying
// long-running tool ids (the auth pause) count as final so the stream can
// drain while the branch stays suspended.
func (e Event) IsFinalResponse() bool {
	if (e.Actions.SkipSummarization != nil && *e.Actions.SkipSummarization) || len(e.LongRunningToolIDs) > 0 {
		return true
	}
	return len(e.GetFunctionCalls()) == 0 &&
		len(e.GetFunctionResponses()) == 0 &&
		!e.IsPartial()
}

// UnixSeconds returns the timestamp as fractional seconds since the epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }

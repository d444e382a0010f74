package core

import (
	"encoding/json"
	"fmt"
)

// partWire is the tagged-union envelope used to round-trip the closed Part
// set through JSON. Exactly one payload field is set, discriminated by Type.
type partWire struct {
	Type             string                `json:"type"`
	Text             *TextPart             `json:"text,omitempty"`
	Data             *DataPart             `json:"data,omitempty"`
	File             *FilePart             `json:"file,omitempty"`
	FunctionCall     *FunctionCallPart     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponsePart `json:"function_response,omitempty"`
}

const (
	partTypeText             = "text"
	partTypeData             = "data"
	partTypeFile             = "file"
	partTypeFunctionCall     = "function_call"
	partTypeFunctionResponse = "function_response"
)

// MarshalJSON implements json.Marshaler for Content.
func (c Content) MarshalJSON() ([]byte, error) {
	wires := make([]partWire, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch part := p.(type) {
		case TextPart:
			wires = append(wires, partWire{Type: partTypeText, Text: &part})
		case DataPart:
			wires = append(wires, partWire{Type: partTypeData, Data: &part})
		case FilePart:
			wires = append(wires, partWire{Type: partTypeFile, File: &part})
		case FunctionCallPart:
			wires = append(wires, partWire{Type: partTypeFunctionCall, FunctionCall: &part})
		case FunctionResponsePart:
			wires = append(wires, partWire{Type: partTypeFunctionResponse, FunctionResponse: &part})
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
	}
	return json.Marshal(struct {
		Role  string     `json:"role,omitempty"`
		Parts []partWire `json:"parts"`
	}{Role: c.Role, Parts: wires})
}

// UnmarshalJSON implements json.Unmarshaler for Content.
func (c *Content) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role  string     `json:"role"`
		Parts []partWire `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Role = raw.Role
	c.Parts = nil
	for _, w := range raw.Parts {
		switch w.Type {
		case partTypeText:
			if w.Text == nil {
				return fmt.Errorf("text part missing payload")
			}
			c.Parts = append(c.Parts, *w.Text)
		case partTypeData:
			if w.Data == nil {
				return fmt.Errorf("data part missing payload")
			}
			c.Parts = append(c.Parts, *w.Data)
		case partTypeFile:
			if w.File == nil {
				return fmt.Errorf("file part missing payload")
			}
			c.Parts = append(c.Parts, *w.File)
		case partTypeFunctionCall:
			if w.FunctionCall == nil {
				return fmt.Errorf("function_call part missing payload")
			}
			c.Parts = append(c.Parts, *w.FunctionCall)
		case partTypeFunctionResponse:
			if w.FunctionResponse == nil {
				return fmt.Errorf("function_response part missing payload")
			}
			c.Parts = append(c.Parts, *w.FunctionResponse)
		default:
			return fmt.Errorf("unknown part type %q", w.Type)
		}
	}
	return nil
}

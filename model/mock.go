package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/core"
)

// MockModel is a lightweight in-memory core.Model useful for tests and
// examples. It supports two modes that compose:
//
//   - Canned completions keyed by the last user text (AddResponse)
//   - Scripted turns consumed in order (EnqueueTurn), each turn being the
//     full part list of one assistant message, which allows scripting
//     function call rounds followed by a final text answer
//
// Scripted turns take precedence while the queue is non-empty. Safe for
// concurrent use.
type MockModel struct {
	mu        sync.Mutex
	info      core.ModelInfo
	responses map[string]string
	turns     [][]core.Part
	err       error
	calls     int
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: core.ModelInfo{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// EnqueueTurn appends a scripted assistant turn consisting of the given parts.
func (m *MockModel) EnqueueTurn(parts ...core.Part) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, parts)
}

// EnqueueText appends a scripted plain-text assistant turn.
func (m *MockModel) EnqueueText(text string) {
	m.EnqueueTurn(core.TextPart{Text: text})
}

// EnqueueFunctionCall appends a scripted turn containing a single function call.
func (m *MockModel) EnqueueFunctionCall(id, name string, args map[string]any) {
	m.EnqueueTurn(core.FunctionCallPart{FunctionCall: core.FunctionCall{
		ID:        id,
		Name:      name,
		Arguments: core.MarshalArgs(args),
	}})
}

// FailWith makes every subsequent Generate call fail with err until cleared
// with a nil argument.
func (m *MockModel) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// CallCount returns how many times Generate has been invoked.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements core.Model. In streaming mode text turns are emitted
// as per-rune partial chunks before the final response, mirroring how
// provider adapters stream deltas.
func (m *MockModel) Generate(ctx context.Context, req core.ModelRequest) (<-chan core.ModelResponse, <-chan error) {
	respCh := make(chan core.ModelResponse, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.calls++
	failErr := m.err
	var parts []core.Part
	scripted := len(m.turns) > 0
	if scripted {
		parts = m.turns[0]
		m.turns = m.turns[1:]
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if failErr != nil {
			errCh <- failErr
			return
		}
		if !scripted {
			if len(req.Contents) == 0 {
				errCh <- fmt.Errorf("no contents provided")
				return
			}
			last := req.Contents[len(req.Contents)-1]
			full := m.lookupResponse(last.Text())
			parts = []core.Part{core.TextPart{Text: full}}
		}

		finish := "stop"
		for _, p := range parts {
			if _, ok := p.(core.FunctionCallPart); ok {
				finish = "tool_calls"
				break
			}
		}

		if req.Stream && finish == "stop" {
			for _, p := range parts {
				tp, ok := p.(core.TextPart)
				if !ok {
					continue
				}
				for _, r := range tp.Text {
					select {
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					case respCh <- core.ModelResponse{
						Partial: true,
						Content: core.Content{
							Role:  "assistant",
							Parts: []core.Part{core.TextPart{Text: string(r)}},
						},
					}:
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- core.ModelResponse{
			Partial:      false,
			Content:      core.Content{Role: "assistant", Parts: parts},
			FinishReason: finish,
		}:
		}
	}()
	return respCh, errCh
}

func (m *MockModel) lookupResponse(inputText string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if full, ok := m.responses[inputText]; ok {
		return full
	}
	return fmt.Sprintf("Mock response to: %s", inputText)
}

// Info implements core.Model.
func (m *MockModel) Info() core.ModelInfo { return m.info }

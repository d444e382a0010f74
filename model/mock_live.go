package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/core"
)

// MockLiveModel extends MockModel with a bidirectional mock connection for
// exercising live-mode orchestration without a real realtime provider.
//
// By default every frame sent on the connection is answered with a partial
// echo chunk followed by a turn-complete response. A Respond function can
// replace that behavior per test.
type MockLiveModel struct {
	*MockModel

	// Respond maps an inbound frame to the responses pushed back on the
	// connection. Nil selects the default echo behavior.
	Respond func(frame core.LiveFrame) []core.ModelResponse
}

// NewMockLiveModel constructs a MockLiveModel.
func NewMockLiveModel(name, provider string) *MockLiveModel {
	return &MockLiveModel{MockModel: NewMockModel(name, provider)}
}

// Connect implements core.LiveModel.
func (m *MockLiveModel) Connect(ctx context.Context, req core.ModelRequest) (core.LiveConnection, error) {
	_ = req
	conn := &mockLiveConnection{
		ctx:     ctx,
		respond: m.Respond,
		out:     make(chan core.ModelResponse, 32),
	}
	if conn.respond == nil {
		conn.respond = echoRespond
	}
	return conn, nil
}

func echoRespond(frame core.LiveFrame) []core.ModelResponse {
	text := frame.Text
	if text == "" && len(frame.Data) > 0 {
		text = fmt.Sprintf("received %d bytes (%s)", len(frame.Data), frame.MimeType)
	}
	b := true
	return []core.ModelResponse{
		{
			Partial: true,
			Content: core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: text}}},
		},
		{
			Partial:      false,
			Content:      core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: text}}},
			FinishReason: "stop",
			TurnComplete: &b,
		},
	}
}

type mockLiveConnection struct {
	ctx     context.Context
	respond func(core.LiveFrame) []core.ModelResponse

	mu     sync.Mutex
	closed bool
	out    chan core.ModelResponse
}

// Send implements core.LiveConnection.
func (c *mockLiveConnection) Send(frame core.LiveFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("live connection closed")
	}
	for _, resp := range c.respond(frame) {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case c.out <- resp:
		}
	}
	return nil
}

// Receive implements core.LiveConnection.
func (c *mockLiveConnection) Receive() <-chan core.ModelResponse { return c.out }

// Close implements core.LiveConnection.
func (c *mockLiveConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	return nil
}

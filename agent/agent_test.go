package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/core"
)

func noopAgent(name string) *CustomAgent {
	return NewCustomAgent(name, func(ic *core.InvocationContext) error { return nil })
}

func TestBaseAgentHierarchy(t *testing.T) {
	root := noopAgent("Root")
	childA := noopAgent("A")
	childB := noopAgent("B")
	grandchild := noopAgent("C")

	require.NoError(t, childA.SetSubAgents(grandchild))
	require.NoError(t, root.SetSubAgents(childA, childB))

	assert.Len(t, root.SubAgents(), 2)
	assert.Equal(t, root.Name(), childA.Parent().Name())
	assert.Equal(t, childA.Name(), grandchild.Parent().Name())

	found := root.FindAgent("C")
	require.NotNil(t, found)
	assert.Equal(t, "C", found.Name())
	assert.Nil(t, root.FindAgent("missing"))

	// FindAgent returns the concrete agent, not the embedded base.
	self := root.FindAgent("Root")
	require.NotNil(t, self)
	assert.Same(t, root, self)
}

func TestSetSubAgentsRejectsDuplicateNames(t *testing.T) {
	root := noopAgent("Root")
	err := root.SetSubAgents(noopAgent("Twin"), noopAgent("Twin"))
	assert.ErrorIs(t, err, core.ErrDuplicateAgentName)
}

func TestSetSubAgentsRejectsCycles(t *testing.T) {
	a := noopAgent("A")
	b := noopAgent("B")
	require.NoError(t, a.SetSubAgents(b))

	assert.ErrorIs(t, b.SetSubAgents(a), core.ErrAgentCycle)
	assert.ErrorIs(t, a.SetSubAgents(a), core.ErrAgentCycle)
}

func TestSetSubAgentsDetachesPreviousChildren(t *testing.T) {
	root := noopAgent("Root")
	old := noopAgent("Old")
	require.NoError(t, root.SetSubAgents(old))
	require.NoError(t, root.SetSubAgents(noopAgent("New")))

	assert.Nil(t, old.Parent())
	assert.Nil(t, root.FindAgent("Old"))
}

func TestInstructionResolution(t *testing.T) {
	static := NewInstructionFromText("always be brief")
	assert.True(t, static.IsStatic())
	text, err := static.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "always be brief", text)

	dynamic := NewInstructionFromFunc(func(ic *core.InvocationContext) (string, error) {
		return "generated", nil
	})
	assert.False(t, dynamic.IsStatic())
	text, err = dynamic.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "generated", text)
}

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/internal/testutil"
)

func processorContext(t *testing.T, sess *core.Session) *core.InvocationContext {
	t.Helper()
	ic, _ := testutil.NewInvocation("Agent", "hello", sess, core.InvocationOptions{})
	return ic
}

func TestInstructionsProcessorRendersState(t *testing.T) {
	sess := testutil.NewSessionBuilder("s1").State("user_name", "Ada").Build()
	ic := processorContext(t, sess)
	agent := &fakeAgent{name: "Agent", instructions: "Greet {{.user_name}} politely."}

	req := &core.ModelRequest{}
	require.NoError(t, NewInstructionsProcessor().ProcessRequest(ic, req, agent))
	assert.Equal(t, "Greet Ada politely.", req.Instructions)
}

func TestContentsProcessorAssemblesHistory(t *testing.T) {
	sess := testutil.NewSessionBuilder("s1").
		Event(testutil.NewEventBuilder().Author("user").Invocation("inv-1").UserText("hi").Build()).
		Event(testutil.NewEventBuilder().Invocation("inv-1").AssistantText("hello").Build()).
		Event(testutil.NewEventBuilder().Invocation("inv-1").AssistantText("frag").Partial(true).Build()).
		Event(testutil.NewEventBuilder().Invocation("inv-1").ToolText("result").Build()).
		Build()
	ic := processorContext(t, sess)

	req := &core.ModelRequest{}
	require.NoError(t, NewContentsProcessor().ProcessRequest(ic, req, &fakeAgent{}))

	require.Len(t, req.Contents, 3, "partial fragments are excluded")
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "assistant", req.Contents[1].Role)
	assert.Equal(t, "tool", req.Contents[2].Role)
}

func TestContentsProcessorCompactionSubstitution(t *testing.T) {
	old1 := testutil.NewEventBuilder().ID("e1").Invocation("inv-1").UserText("old question").Build()
	old2 := testutil.NewEventBuilder().ID("e2").Invocation("inv-1").AssistantText("old answer").Build()
	compaction := testutil.NewEventBuilder().ID("e3").Invocation("inv-2").Compaction(core.Compaction{
		StartID:        "e1",
		EndID:          "e2",
		StartTimestamp: old1.Timestamp,
		EndTimestamp:   old2.Timestamp,
		Summary:        core.NewTextContent("", "Earlier the user asked an old question and got an old answer."),
	}).Build()
	recent := testutil.NewEventBuilder().ID("e4").Invocation("inv-3").UserText("new question").Build()

	sess := testutil.NewSessionBuilder("s1").Events(old1, old2, compaction, recent).Build()
	ic := processorContext(t, sess)

	req := &core.ModelRequest{}
	require.NoError(t, NewContentsProcessor().ProcessRequest(ic, req, &fakeAgent{}))

	require.Len(t, req.Contents, 2)
	assert.Equal(t, "user", req.Contents[0].Role, "summary role defaults to user")
	assert.Contains(t, req.Contents[0].Text(), "old question")
	assert.Equal(t, "new question", req.Contents[1].Text())
}

func TestContentsProcessorCompactionTimestampFallback(t *testing.T) {
	base := time.Now().UTC()
	old := testutil.NewEventBuilder().ID("e1").UserText("before").Build()
	old.Timestamp = base.Add(-2 * time.Hour)
	after := testutil.NewEventBuilder().ID("e2").AssistantText("after").Build()
	after.Timestamp = base

	// EndID points at an event no longer resolvable; timestamps decide.
	compaction := testutil.NewEventBuilder().ID("e3").Compaction(core.Compaction{
		StartID:        "gone-1",
		EndID:          "gone-2",
		StartTimestamp: base.Add(-3 * time.Hour),
		EndTimestamp:   base.Add(-time.Hour),
		Summary:        core.NewTextContent("user", "summary"),
	}).Build()

	sess := testutil.NewSessionBuilder("s1").Events(old, compaction, after).Build()
	ic := processorContext(t, sess)

	req := &core.ModelRequest{}
	require.NoError(t, NewContentsProcessor().ProcessRequest(ic, req, &fakeAgent{}))

	require.Len(t, req.Contents, 2)
	assert.Equal(t, "summary", req.Contents[0].Text())
	assert.Equal(t, "after", req.Contents[1].Text())
}

func TestContentsProcessorBranchVisibility(t *testing.T) {
	root := testutil.NewEventBuilder().UserText("root message").Build()
	mine := testutil.NewEventBuilder().AssistantText("my branch").Branch("Root.A").Build()
	sibling := testutil.NewEventBuilder().AssistantText("sibling branch").Branch("Root.B").Build()
	parent := testutil.NewEventBuilder().AssistantText("parent branch").Branch("Root").Build()

	sess := testutil.NewSessionBuilder("s1").Events(root, mine, sibling, parent).Build()
	ic := processorContext(t, sess)
	ic.Branch = "Root.A"

	req := &core.ModelRequest{}
	require.NoError(t, NewContentsProcessor().ProcessRequest(ic, req, &fakeAgent{}))

	var texts []string
	for _, c := range req.Contents {
		texts = append(texts, c.Text())
	}
	assert.Equal(t, []string{"root message", "my branch", "parent branch"}, texts)
}

func TestContentsProcessorMaxHistory(t *testing.T) {
	b := testutil.NewSessionBuilder("s1")
	for _, text := range []string{"one", "two", "three", "four"} {
		b.Event(testutil.NewEventBuilder().UserText(text).Build())
	}
	ic := processorContext(t, b.Build())

	req := &core.ModelRequest{}
	require.NoError(t, NewContentsProcessor().ProcessRequest(ic, req, &fakeAgent{maxHistory: 2}))

	require.Len(t, req.Contents, 2)
	assert.Equal(t, "three", req.Contents[0].Text())
	assert.Equal(t, "four", req.Contents[1].Text())
}

func TestTransferToolInjectorEnumeratesPeers(t *testing.T) {
	ic := processorContext(t, nil)
	agent := &fakeAgent{
		name:     "Lead",
		transfer: true,
		peers:    []core.AgentInfo{{Name: "Researcher"}, {Name: "Writer"}},
	}

	req := &core.ModelRequest{}
	require.NoError(t, NewTransferToolInjector().ProcessRequest(ic, req, agent))

	require.Len(t, req.Tools, 1)
	def := req.Tools[0]
	assert.Equal(t, "transfer_to_agent", def.Function.Name)
	props := def.Function.Parameters["properties"].(map[string]any)
	agentProp := props["agent"].(map[string]any)
	assert.Equal(t, []string{"Researcher", "Writer"}, agentProp["enum"])
}

func TestTransferToolInjectorReplacesExistingDefinition(t *testing.T) {
	ic := processorContext(t, nil)
	agent := &fakeAgent{name: "Lead", transfer: true, peers: []core.AgentInfo{{Name: "Helper"}}}

	req := &core.ModelRequest{Tools: []core.ToolDefinition{
		{Type: "function", Function: core.FunctionDefinition{Name: "transfer_to_agent", Parameters: map[string]any{"type": "object"}}},
		{Type: "function", Function: core.FunctionDefinition{Name: "other"}},
	}}
	require.NoError(t, NewTransferToolInjector().ProcessRequest(ic, req, agent))

	require.Len(t, req.Tools, 2)
	props := req.Tools[0].Function.Parameters["properties"].(map[string]any)
	assert.Contains(t, props, "agent")
}

func TestTransferToolInjectorNoopWithoutTransfer(t *testing.T) {
	ic := processorContext(t, nil)
	req := &core.ModelRequest{}
	require.NoError(t, NewTransferToolInjector().ProcessRequest(ic, req, &fakeAgent{}))
	assert.Empty(t, req.Tools)
}

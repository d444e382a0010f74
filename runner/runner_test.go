package runner_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/compaction"
	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/plugin"
	"github.com/loomworks/loom/runner"
	"github.com/loomworks/loom/session"
	"github.com/loomworks/loom/tool"
)

func newRef() core.SessionRef {
	return core.SessionRef{AppName: "test-app", UserID: "u1", SessionID: core.NewID()}
}

// drain consumes both run channels to completion.
func drain(events <-chan core.Event, errs <-chan error) ([]core.Event, []error) {
	var es []error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for err := range errs {
			es = append(es, err)
		}
	}()
	var evs []core.Event
	for ev := range events {
		evs = append(evs, ev)
	}
	<-done
	return evs, es
}

func userText(text string) core.Content {
	return *core.NewTextContent("user", text)
}

func TestRunnerDeliversFinalEvent(t *testing.T) {
	backend := model.NewMockModel("mock", "test")
	backend.EnqueueText("hello there")
	bot := agent.NewModelAgent("Bot", backend, func(o *agent.ModelAgentOptions) {
		o.EnableStreaming = false
	})

	store := session.NewInMemoryStore()
	r := runner.New(bot, func(o *runner.Options) { o.SessionStore = store })

	ref := newRef()
	invID, events, errsCh, err := r.Run(context.Background(), ref, userText("hi"))
	require.NoError(t, err)
	require.NotEmpty(t, invID)

	evs, errs := drain(events, errsCh)
	require.Empty(t, errs)
	require.Len(t, evs, 1)
	assert.Equal(t, "Bot", evs[0].Author)
	assert.Equal(t, "hello there", evs[0].Content.Text())
	assert.Equal(t, invID, evs[0].InvocationID)

	sess, err := store.Get(ref)
	require.NoError(t, err)
	log := sess.GetEvents()
	require.Len(t, log, 2)
	assert.Equal(t, core.UserAuthor, log[0].Author)
	assert.Equal(t, "hi", log[0].Content.Text())
	assert.Equal(t, evs[0].ID, log[1].ID)
}

func TestRunnerPersistsInDeliveryOrder(t *testing.T) {
	backend := model.NewMockModel("mock", "test")
	backend.EnqueueFunctionCall("call-1", "sum", map[string]any{"a": 1.0, "b": 2.0})
	backend.EnqueueText("the sum is 3")
	bot := agent.NewModelAgent("Bot", backend, func(o *agent.ModelAgentOptions) {
		o.EnableStreaming = false
	})
	bot.RegisterTool(tool.NewFunctionTool("sum", "adds two numbers",
		map[string]any{"type": "object", "properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		}},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	))

	store := session.NewInMemoryStore()
	r := runner.New(bot, func(o *runner.Options) { o.SessionStore = store })

	ref := newRef()
	_, events, errsCh, err := r.Run(context.Background(), ref, userText("add 1 and 2"))
	require.NoError(t, err)
	evs, errs := drain(events, errsCh)
	require.Empty(t, errs)
	require.Len(t, evs, 3)
	require.Len(t, evs[0].GetFunctionCalls(), 1)
	require.Len(t, evs[1].GetFunctionResponses(), 1)
	assert.Equal(t, float64(3), evs[1].GetFunctionResponses()[0].Response)
	assert.Equal(t, "the sum is 3", evs[2].Content.Text())

	// The durable log holds the user event plus every delivered event, in
	// delivery order.
	sess, err := store.Get(ref)
	require.NoError(t, err)
	log := sess.GetEvents()
	require.Len(t, log, 4)
	for i, ev := range evs {
		assert.Equal(t, ev.ID, log[i+1].ID)
	}
}

func TestRunnerStreamingPartialsNotPersisted(t *testing.T) {
	backend := model.NewMockModel("mock", "test")
	backend.EnqueueText("ok")
	bot := agent.NewModelAgent("Bot", backend)

	store := session.NewInMemoryStore()
	r := runner.New(bot, func(o *runner.Options) { o.SessionStore = store })

	ref := newRef()
	_, events, errsCh, err := r.Run(context.Background(), ref, userText("go"))
	require.NoError(t, err)
	evs, errs := drain(events, errsCh)
	require.Empty(t, errs)

	var partials, finals int
	for _, ev := range evs {
		if ev.IsPartial() {
			partials++
		} else {
			finals++
		}
	}
	assert.Equal(t, 2, partials) // one chunk per rune of "ok"
	assert.Equal(t, 1, finals)

	sess, err := store.Get(ref)
	require.NoError(t, err)
	require.Len(t, sess.GetEvents(), 2)
	assert.False(t, sess.GetEvents()[1].IsPartial())
}

func TestRunnerRejectsConcurrentInvocation(t *testing.T) {
	gate := make(chan struct{})
	blocked := agent.NewCustomAgent("Blocker", func(ic *core.InvocationContext) error {
		select {
		case <-gate:
			return nil
		case <-ic.Done():
			return ic.Err()
		}
	})
	r := runner.New(blocked)

	ref := newRef()
	_, events, errsCh, err := r.Run(context.Background(), ref, userText("first"))
	require.NoError(t, err)

	_, _, _, err = r.Run(context.Background(), ref, userText("second"))
	require.ErrorIs(t, err, runner.ErrInvocationInFlight)

	// A different session is unaffected.
	other := newRef()
	_, ev2, errs2, err := r.Run(context.Background(), other, userText("elsewhere"))
	require.NoError(t, err)
	close(gate)
	drain(events, errsCh)
	drain(ev2, errs2)

	// The slot frees up once the first invocation finishes.
	_, events, errsCh, err = r.Run(context.Background(), ref, userText("third"))
	require.NoError(t, err)
	drain(events, errsCh)
}

func TestRunnerParallelCompositeCompletes(t *testing.T) {
	say := func(name string, count int) core.Agent {
		return agent.NewCustomAgent(name, func(ic *core.InvocationContext) error {
			for i := 0; i < count; i++ {
				ev := core.NewMessageEvent(ic.InvocationID, ic.Agent.Name, fmt.Sprintf("%s-%d", name, i))
				if err := ic.EmitEvent(ev); err != nil {
					return err
				}
				if err := ic.WaitForResume(); err != nil {
					return err
				}
			}
			return nil
		})
	}

	par, err := agent.NewParallelAgent("Fanout",
		say("Alpha", 25), say("Beta", 25), say("Gamma", 25), say("Delta", 25),
	)
	require.NoError(t, err)

	store := session.NewInMemoryStore()
	r := runner.New(par, func(o *runner.Options) { o.SessionStore = store })
	ref := newRef()

	_, events, errsCh, err := r.Run(context.Background(), ref, userText("go"))
	require.NoError(t, err)

	// Four branches racing through one pump must all run to completion; a
	// lost resume credit would leave a branch waiting forever.
	var evs []core.Event
	var errs []error
	done := make(chan struct{})
	go func() {
		defer close(done)
		evs, errs = drain(events, errsCh)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("parallel invocation did not finish")
	}
	require.Empty(t, errs)
	require.Len(t, evs, 100)

	// The durable log interleaves branches but preserves each branch's order.
	sess, err := store.Get(ref)
	require.NoError(t, err)
	perBranch := map[string][]string{}
	for _, ev := range sess.GetEvents() {
		if ev.Author == core.UserAuthor {
			continue
		}
		perBranch[ev.Author] = append(perBranch[ev.Author], ev.Content.Text())
	}
	for _, name := range []string{"Alpha", "Beta", "Gamma", "Delta"} {
		require.Len(t, perBranch[name], 25)
		for i, text := range perBranch[name] {
			assert.Equal(t, fmt.Sprintf("%s-%d", name, i), text)
		}
	}
}

func TestRunnerCancelStopsInvocation(t *testing.T) {
	blocked := agent.NewCustomAgent("Blocker", func(ic *core.InvocationContext) error {
		<-ic.Done()
		return ic.Err()
	})
	r := runner.New(blocked)

	ref := newRef()
	_, events, errsCh, err := r.Run(context.Background(), ref, userText("hang"))
	require.NoError(t, err)

	assert.True(t, r.Cancel(ref))
	_, errs := drain(events, errsCh)
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], context.Canceled)

	assert.False(t, r.Cancel(ref))
}

func TestRunnerAuthPauseAndResume(t *testing.T) {
	authCfg := core.AuthConfig{Key: "temp:github_token", Scheme: "api_key"}
	backend := model.NewMockModel("mock", "test")
	backend.EnqueueFunctionCall("call-1", "get_repo", map[string]any{"name": "loom"})
	backend.EnqueueText("repo is public")

	bot := agent.NewModelAgent("Bot", backend, func(o *agent.ModelAgentOptions) {
		o.EnableStreaming = false
	})
	var seenCredential string
	bot.RegisterTool(tool.NewFunctionTool("get_repo", "fetches repo metadata",
		map[string]any{"type": "object", "properties": map[string]any{
			"name": map[string]any{"type": "string"},
		}},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			if cfg, ok := tc.ResolvedCredential(authCfg.Key); ok {
				seenCredential = cfg.Credential
			}
			return "public", nil
		},
		tool.WithAuth(authCfg),
	))

	store := session.NewInMemoryStore()
	r := runner.New(bot, func(o *runner.Options) { o.SessionStore = store })
	ref := newRef()

	_, events, errsCh, err := r.Run(context.Background(), ref, userText("check the repo"))
	require.NoError(t, err)
	evs, errs := drain(events, errsCh)
	require.Empty(t, errs)

	// The run pauses with a credential request reusing the suspended call id.
	last := evs[len(evs)-1]
	require.Contains(t, last.LongRunningToolIDs, "call-1")
	calls := last.GetFunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, tool.RequestCredentialName, calls[0].Name)
	require.Contains(t, last.Actions.RequestedAuthConfigs, authCfg.Key)
	assert.True(t, last.IsFinalResponse())

	// Answering the request is a plain Run carrying the function response.
	answer := core.Content{Role: "user", Parts: []core.Part{
		core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{
			ID:       "call-1",
			Name:     tool.RequestCredentialName,
			Response: "secret-token",
		}},
	}}
	_, events, errsCh, err = r.Run(context.Background(), ref, answer)
	require.NoError(t, err)
	evs, errs = drain(events, errsCh)
	require.Empty(t, errs)

	assert.Equal(t, "secret-token", seenCredential)
	require.Len(t, evs, 2)
	require.Len(t, evs[0].GetFunctionResponses(), 1)
	assert.Equal(t, "public", evs[0].GetFunctionResponses()[0].Response)
	assert.Equal(t, "repo is public", evs[1].Content.Text())
	assert.Equal(t, 2, backend.CallCount())
}

func TestRunnerTriggersCompaction(t *testing.T) {
	backend := model.NewMockModel("mock", "test")
	bot := agent.NewModelAgent("Bot", backend, func(o *agent.ModelAgentOptions) {
		o.EnableStreaming = false
	})

	summarizer := model.NewMockModel("summarizer", "test")
	summarizer.EnqueueText("earlier the user said q1")

	store := session.NewInMemoryStore()
	comp := compaction.NewCompactor(summarizer, store, func(o *compaction.Options) {
		o.RetainInvocations = 1
	})
	r := runner.New(bot, func(o *runner.Options) {
		o.SessionStore = store
		o.Compactor = comp
	})
	ref := newRef()

	for _, q := range []string{"q1", "q2"} {
		backend.EnqueueText("answer to " + q)
		_, events, errsCh, err := r.Run(context.Background(), ref, userText(q))
		require.NoError(t, err)
		_, errs := drain(events, errsCh)
		require.Empty(t, errs)
	}

	// By the time the second run's channels close, compaction has folded the
	// first invocation into a summary event.
	sess, err := store.Get(ref)
	require.NoError(t, err)
	var comps []core.Event
	for _, ev := range sess.GetEvents() {
		if ev.IsCompaction() {
			comps = append(comps, ev)
		}
	}
	require.Len(t, comps, 1)
	assert.Equal(t, "earlier the user said q1", comps[0].Actions.Compaction.Summary.Text())
}

// capturingModel records every request handed to the wrapped backend.
type capturingModel struct {
	*model.MockModel
	requests []core.ModelRequest
}

func (m *capturingModel) Generate(ctx context.Context, req core.ModelRequest) (<-chan core.ModelResponse, <-chan error) {
	m.requests = append(m.requests, req)
	return m.MockModel.Generate(ctx, req)
}

func TestRunnerContextCarriesPriorInvocations(t *testing.T) {
	backend := &capturingModel{MockModel: model.NewMockModel("mock", "test")}
	backend.EnqueueText("Got it, I'll remember 42.")
	backend.EnqueueText("You asked me to remember 42.")
	bot := agent.NewModelAgent("Bot", backend, func(o *agent.ModelAgentOptions) {
		o.EnableStreaming = false
	})

	r := runner.New(bot)
	ref := newRef()

	_, events, errsCh, err := r.Run(context.Background(), ref, userText("remember 42"))
	require.NoError(t, err)
	_, errs := drain(events, errsCh)
	require.Empty(t, errs)

	_, events, errsCh, err = r.Run(context.Background(), ref, userText("what number did I ask you to remember?"))
	require.NoError(t, err)
	evs, errs := drain(events, errsCh)
	require.Empty(t, errs)

	// The second invocation's reconstructed context contains the first
	// invocation's conversation.
	require.Len(t, backend.requests, 2)
	var texts []string
	for _, c := range backend.requests[1].Contents {
		texts = append(texts, c.Text())
	}
	assert.Contains(t, texts, "remember 42")
	assert.Contains(t, texts, "Got it, I'll remember 42.")
	assert.Equal(t, "You asked me to remember 42.", evs[len(evs)-1].Content.Text())
}

type lifecyclePlugin struct {
	calls []string
}

func (p *lifecyclePlugin) Name() string { return "lifecycle" }

func (p *lifecyclePlugin) BeforeRun(ic *core.InvocationContext) error {
	p.calls = append(p.calls, "before_run")
	return nil
}

func (p *lifecyclePlugin) AfterRun(ic *core.InvocationContext) error {
	p.calls = append(p.calls, "after_run")
	return nil
}

func TestRunnerInvokesPluginLifecycle(t *testing.T) {
	backend := model.NewMockModel("mock", "test")
	backend.EnqueueText("done")
	bot := agent.NewModelAgent("Bot", backend, func(o *agent.ModelAgentOptions) {
		o.EnableStreaming = false
	})

	lp := &lifecyclePlugin{}
	host, err := plugin.NewHost(lp)
	require.NoError(t, err)

	r := runner.New(bot, func(o *runner.Options) { o.Plugins = host })
	_, events, errsCh, err := r.Run(context.Background(), newRef(), userText("hi"))
	require.NoError(t, err)
	_, errs := drain(events, errsCh)
	require.Empty(t, errs)

	assert.Equal(t, []string{"before_run", "after_run"}, lp.calls)
}

func TestRunnerSurfacesAgentFailure(t *testing.T) {
	backend := model.NewMockModel("mock", "test")
	backend.FailWith(errors.New("backend down"))
	bot := agent.NewModelAgent("Bot", backend, func(o *agent.ModelAgentOptions) {
		o.EnableStreaming = false
	})

	store := session.NewInMemoryStore()
	r := runner.New(bot, func(o *runner.Options) { o.SessionStore = store })
	ref := newRef()

	_, events, errsCh, err := r.Run(context.Background(), ref, userText("hi"))
	require.NoError(t, err)
	evs, errs := drain(events, errsCh)

	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "backend down")
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.NotNil(t, last.ErrorCode)
	assert.Equal(t, "FLOW_ERROR", *last.ErrorCode)
}

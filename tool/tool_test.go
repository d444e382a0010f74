package tool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/internal/util"
)

// -------------------- Schema & Validation Tests --------------------

type sampleSchema struct {
	A string `json:"a" description:"Field A"`
	B *int   `json:"b" description:"Optional pointer field"`
	C int    `json:"c,omitempty" description:"Omit empty field"`
}

func TestCreateSchema(t *testing.T) {
	schema := util.CreateSchema(sampleSchema{})
	props, ok := schema["properties"].(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Contains(t, props, "c")
	// Required only includes non-pointer, non-omitempty exported fields
	req, _ := schema["required"].([]string)
	assert.ElementsMatch(t, []string{"a"}, req)
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
		// []any mirrors the shape of a schema decoded from JSON
		"required": []any{"x"},
	}

	err := util.ValidateParameters(map[string]any{"x": 5}, schema)
	assert.NoError(t, err)

	err = util.ValidateParameters(map[string]any{}, schema)
	require.Error(t, err)
	vErr, ok := err.(*ValidationError)
	require.True(t, ok, "expected ValidationError, got %T", err)
	assert.Equal(t, "x", vErr.Field)

	err = util.ValidateParameters(map[string]any{"x": "not-int"}, schema)
	require.Error(t, err)
	vErr, ok = err.(*ValidationError)
	require.True(t, ok, "expected ValidationError, got %T", err)
	assert.Contains(t, vErr.Message, "expected type integer")
}

// -------------------- FunctionTool Tests --------------------

func TestFunctionTool_Success(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}

	sumTool := NewFunctionTool("sum", "Add numbers", params, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	tc := core.NewToolContext(dummyInvocationContext(), "fc1")
	result, err := sumTool.Call(tc, map[string]any{"a": 2.0, "b": 3.0})
	assert.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
		},
		"required": []any{"a"},
	}
	tTool := NewFunctionTool("test", "Test", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return 0, nil
	})
	tc := core.NewToolContext(dummyInvocationContext(), "fc2")
	_, err := tTool.Call(tc, map[string]any{})
	require.Error(t, err)
	toolErr, ok := err.(*ToolError)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	execTool := NewFunctionTool("fail", "Fails", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	tc := core.NewToolContext(dummyInvocationContext(), "fc3")
	_, err := execTool.Call(tc, map[string]any{})
	require.Error(t, err)
	toolErr, ok := err.(*ToolError)
	require.True(t, ok)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
}

func TestFunctionTool_CapabilityFlags(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	fn := func(_ *core.ToolContext, _ map[string]any) (any, error) { return nil, nil }

	plain := NewFunctionTool("plain", "no flags", params, fn)
	assert.False(t, IsParallelizable(plain))
	assert.False(t, IsLongRunning(plain))
	_, hasAuth := RequiredAuth(plain)
	assert.False(t, hasAuth)

	flagged := NewFunctionTool("flagged", "all flags", params, fn,
		WithParallelizable(),
		WithLongRunning(),
		WithAuth(core.AuthConfig{Key: "temp:api_key", Scheme: "apiKey"}),
	)
	assert.True(t, IsParallelizable(flagged))
	assert.True(t, IsLongRunning(flagged))
	cfg, hasAuth := RequiredAuth(flagged)
	assert.True(t, hasAuth)
	assert.Equal(t, "temp:api_key", cfg.Key)
}

// -------------------- Auth Handshake Tests --------------------

func TestCheckAuth_PausesWithoutCredential(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	authTool := NewFunctionTool("secure", "Needs a key", params,
		func(_ *core.ToolContext, _ map[string]any) (any, error) { return "ok", nil },
		WithAuth(core.AuthConfig{Key: "temp:github_token", Scheme: "oauth2"}),
	)

	tc := core.NewToolContext(dummyInvocationContext(), "fc-auth")
	err := CheckAuth(authTool, tc)
	require.ErrorIs(t, err, ErrAuthPending)

	requested := tc.Actions().RequestedAuthConfigs
	require.Contains(t, requested, "fc-auth")
	assert.Equal(t, "temp:github_token", requested["fc-auth"].Key)
}

func TestCheckAuth_PassesWithResolvedCredential(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	authTool := NewFunctionTool("secure", "Needs a key", params,
		func(_ *core.ToolContext, _ map[string]any) (any, error) { return "ok", nil },
		WithAuth(core.AuthConfig{Key: "temp:github_token", Scheme: "oauth2"}),
	)

	ic := dummyInvocationContext()
	ic.Credentials["temp:github_token"] = core.AuthConfig{
		Key: "temp:github_token", Scheme: "oauth2", Credential: "gho_abc",
	}
	tc := core.NewToolContext(ic, "fc-auth2")
	assert.NoError(t, CheckAuth(authTool, tc))
	assert.Empty(t, tc.Actions().RequestedAuthConfigs)
}

func TestParseCredentialResponse(t *testing.T) {
	fallback := core.AuthConfig{Key: "temp:api_key", Scheme: "apiKey"}

	cfg, ok := ParseCredentialResponse(core.FunctionResponse{
		Name: RequestCredentialName, Response: "secret-123",
	}, fallback)
	require.True(t, ok)
	assert.Equal(t, "secret-123", cfg.Credential)
	assert.Equal(t, "temp:api_key", cfg.Key)

	cfg, ok = ParseCredentialResponse(core.FunctionResponse{
		Name: RequestCredentialName,
		Response: map[string]any{
			"key": "temp:other", "credential": "tok", "scheme": "bearer",
		},
	}, fallback)
	require.True(t, ok)
	assert.Equal(t, "temp:other", cfg.Key)
	assert.Equal(t, "bearer", cfg.Scheme)
	assert.Equal(t, "tok", cfg.Credential)

	_, ok = ParseCredentialResponse(core.FunctionResponse{
		Name: "something_else", Response: "secret",
	}, fallback)
	assert.False(t, ok)

	_, ok = ParseCredentialResponse(core.FunctionResponse{
		Name: RequestCredentialName, Response: map[string]any{"key": "temp:x"},
	}, fallback)
	assert.False(t, ok, "missing credential should not resolve")
}

func TestCredentialKey(t *testing.T) {
	assert.Equal(t, "temp:oauth2_github", CredentialKey("oauth2", "github"))
}

func TestRequiredAuthDerivesKeyFromToolName(t *testing.T) {
	tl := NewFunctionTool("github_search", "searches github",
		map[string]any{"type": "object"},
		func(tc *core.ToolContext, args map[string]any) (any, error) { return nil, nil },
		WithAuth(core.AuthConfig{Scheme: "api_key"}),
	)
	cfg, required := RequiredAuth(tl)
	require.True(t, required)
	assert.Equal(t, "temp:api_key_github_search", cfg.Key)
}

// -------------------- In-memory fakes --------------------

type memSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*core.Session{}}
}

func (s *memSessionStore) Create(ref core.SessionRef) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := core.NewSession(ref)
	s.sessions[ref.String()] = sess
	return sess.Clone(), nil
}

func (s *memSessionStore) Get(ref core.SessionRef) (*core.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[ref.String()]
	s.mu.RUnlock()
	if !ok {
		return s.Create(ref)
	}
	return sess.Clone(), nil
}

func (s *memSessionStore) AppendEvent(ref core.SessionRef, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[ref.String()]; !ok {
		s.sessions[ref.String()] = core.NewSession(ref)
	}
	s.sessions[ref.String()].AddEvent(ev)
	return nil
}

func (s *memSessionStore) ApplyDelta(ref core.SessionRef, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[ref.String()]; !ok {
		s.sessions[ref.String()] = core.NewSession(ref)
	}
	s.sessions[ref.String()].MergeState(delta)
	return nil
}

func (s *memSessionStore) ListEvents(ref core.SessionRef, start, end int) ([]core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[ref.String()]
	if !ok {
		return nil, nil
	}
	events := sess.GetEvents()
	if end < 0 || end > len(events) {
		end = len(events)
	}
	if start < 0 || start > end {
		return nil, nil
	}
	return events[start:end], nil
}

type memArtifactStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{data: map[string]map[string][]byte{}}
}

func (a *memArtifactStore) Save(ref core.SessionRef, id string, b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.data[ref.String()]; !ok {
		a.data[ref.String()] = map[string][]byte{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	a.data[ref.String()][id] = cp
	return nil
}

func (a *memArtifactStore) Get(ref core.SessionRef, id string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if m, ok := a.data[ref.String()]; ok {
		if d, ok := m[id]; ok {
			cp := make([]byte, len(d))
			copy(cp, d)
			return cp, nil
		}
	}
	return nil, errors.New("not found")
}

func (a *memArtifactStore) List(ref core.SessionRef) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.data[ref.String()]
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	return res, nil
}

func (a *memArtifactStore) Delete(ref core.SessionRef, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.data[ref.String()]; ok {
		delete(m, id)
	}
	return nil
}

type memMemoryStore struct {
	mu    sync.RWMutex
	store map[string][]core.SearchResult
}

func newMemMemoryStore() *memMemoryStore {
	return &memMemoryStore{store: map[string][]core.SearchResult{}}
}

func (m *memMemoryStore) Search(ref core.SessionRef, _ string, limit int) ([]core.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := m.store[ref.String()]
	if limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

func (m *memMemoryStore) Store(ref core.SessionRef, content string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr := core.SearchResult{ID: content, Content: content, Score: 1.0, Metadata: metadata}
	m.store[ref.String()] = append(m.store[ref.String()], mr)
	return nil
}

func (m *memMemoryStore) Delete(_ core.SessionRef, _ string) error { return nil }

func dummyInvocationContext() *core.InvocationContext {
	ref := core.SessionRef{AppName: "test-app", UserID: "u1", SessionID: "sess-1"}
	sessions := newMemSessionStore()
	sess, err := sessions.Create(ref)
	if err != nil {
		panic(err)
	}

	emit := make(chan core.Event, 10)
	resume := make(chan struct{}, 10)

	return core.NewInvocationContext(
		context.Background(), ref, "inv-1",
		core.AgentInfo{Name: "Agent", Kind: core.AgentKindCustom},
		core.Content{}, emit, resume, sess,
		core.InvocationOptions{
			Sessions:  sessions,
			Artifacts: newMemArtifactStore(),
			Memory:    newMemMemoryStore(),
		},
	)
}

// -------------------- StateManagerTool Tests --------------------

func TestStateManagerTool_SetAndGetState(t *testing.T) {
	sm := NewStateManagerTool()
	inv := dummyInvocationContext()
	tc := core.NewToolContext(inv, "fc-set")

	res, err := sm.Call(tc, map[string]any{"operation": "set_state", "key": "foo", "value": "bar"})
	assert.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, "foo", m["key"])
	assert.Equal(t, "bar", tc.Actions().StateDelta["foo"])

	// Commit the delta the way the executor would and read it back
	ev := core.Event{Actions: core.EventActions{StateDelta: map[string]any{}}}
	tc.ApplyActions(&ev)
	inv.Session.MergeState(ev.Actions.StateDelta)

	tcGet := core.NewToolContext(inv, "fc-get")
	res, err = sm.Call(tcGet, map[string]any{"operation": "get_state", "key": "foo"})
	assert.NoError(t, err)
	gm := res.(map[string]any)
	assert.True(t, gm["exists"].(bool))
	assert.Equal(t, "bar", gm["value"])
}

func TestStateManagerTool_FlowControlActions(t *testing.T) {
	sm := NewStateManagerTool()
	inv := dummyInvocationContext()

	tc := core.NewToolContext(inv, "fc-flow")
	_, err := sm.Call(tc, map[string]any{"operation": "escalate"})
	assert.NoError(t, err)
	require.NotNil(t, tc.Actions().Escalate)
	assert.True(t, *tc.Actions().Escalate)

	tc2 := core.NewToolContext(inv, "fc-transfer")
	_, err = sm.Call(tc2, map[string]any{"operation": "transfer_agent", "agent_name": "NextAgent"})
	assert.NoError(t, err)
	require.NotNil(t, tc2.Actions().TransferToAgent)
	assert.Equal(t, "NextAgent", *tc2.Actions().TransferToAgent)

	tc3 := core.NewToolContext(inv, "fc-skip")
	_, err = sm.Call(tc3, map[string]any{"operation": "skip_summarization"})
	assert.NoError(t, err)
	require.NotNil(t, tc3.Actions().SkipSummarization)
	assert.True(t, *tc3.Actions().SkipSummarization)
}

func TestStateManagerTool_Artifacts(t *testing.T) {
	sm := NewStateManagerTool()
	inv := dummyInvocationContext()
	tc := core.NewToolContext(inv, "fc-art")

	_, err := sm.Call(tc, map[string]any{"operation": "save_artifact", "artifact_id": "report.txt", "data": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 5, tc.Actions().ArtifactDelta["report.txt"])

	res, err := sm.Call(tc, map[string]any{"operation": "load_artifact", "artifact_id": "report.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.(map[string]any)["data"])

	res, err = sm.Call(tc, map[string]any{"operation": "list_artifacts"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.(map[string]any)["count"])
}

// -------------------- TransferToAgentTool Tests --------------------

func TestTransferToAgentTool_TargetContract(t *testing.T) {
	tr := NewTransferToAgentTool("Billing", "Technical")

	props := tr.Parameters()["properties"].(map[string]any)
	agentProp := props["agent"].(map[string]any)
	assert.Equal(t, []string{"Billing", "Technical"}, agentProp["enum"])
	assert.Contains(t, tr.Description(), "Billing, Technical")

	inv := dummyInvocationContext()
	tc := core.NewToolContext(inv, "fc-1")
	res, err := tr.Call(tc, map[string]any{"agent": "Billing"})
	require.NoError(t, err)
	assert.Equal(t, "Billing", res.(map[string]any)["agent"])
	require.NotNil(t, tc.Actions().TransferToAgent)
	assert.Equal(t, "Billing", *tc.Actions().TransferToAgent)

	tc2 := core.NewToolContext(inv, "fc-2")
	_, err = tr.Call(tc2, map[string]any{"agent": "Ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transfer target")
	assert.Nil(t, tc2.Actions().TransferToAgent)
}

func TestTransferToAgentTool_OpenTargetSet(t *testing.T) {
	tr := NewTransferToAgentTool()

	props := tr.Parameters()["properties"].(map[string]any)
	agentProp := props["agent"].(map[string]any)
	assert.NotContains(t, agentProp, "enum")

	inv := dummyInvocationContext()
	tc := core.NewToolContext(inv, "fc-1")
	_, err := tr.Call(tc, map[string]any{"agent": "Anyone"})
	require.NoError(t, err)
	require.NotNil(t, tc.Actions().TransferToAgent)
	assert.Equal(t, "Anyone", *tc.Actions().TransferToAgent)

	_, err = tr.Call(core.NewToolContext(inv, "fc-2"), map[string]any{})
	require.Error(t, err)
}

// -------------------- ToolError Formatting --------------------

func TestToolErrorFormatting(t *testing.T) {
	err := NewToolError("demo", "something failed", "E123")
	assert.Contains(t, err.Error(), "E123")
	assert.Contains(t, err.Error(), "demo")
}

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/core"
)

func testRef(sessionID string) core.SessionRef {
	return core.SessionRef{AppName: "app", UserID: "user-1", SessionID: sessionID}
}

func TestInMemoryStoreCreateAndGet(t *testing.T) {
	store := NewInMemoryStore()
	ref := testRef("s1")

	sess, err := store.Create(ref)
	require.NoError(t, err)
	assert.Equal(t, ref, sess.Ref)
	assert.Empty(t, sess.Events)

	// Get on an unknown ref creates lazily.
	other, err := store.Get(testRef("s2"))
	require.NoError(t, err)
	assert.Equal(t, "s2", other.Ref.SessionID)
}

func TestInMemoryStoreAppendEventAppliesDelta(t *testing.T) {
	store := NewInMemoryStore()
	ref := testRef("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)

	ev := core.NewMessageEvent("inv-1", "Agent", "hello")
	ev.Actions.StateDelta = map[string]any{
		"answer":       42,
		"app:theme":    "dark",
		"user:locale":  "de",
		"temp:scratch": "gone",
	}
	require.NoError(t, store.AppendEvent(ref, ev))

	sess, err := store.Get(ref)
	require.NoError(t, err)
	require.Len(t, sess.Events, 1)
	assert.Equal(t, "hello", sess.Events[0].Content.Text())

	v, ok := sess.GetState("answer")
	require.True(t, ok)
	assert.Equal(t, 42, v)
	_, ok = sess.GetState("temp:scratch")
	assert.False(t, ok, "temp keys must not persist")
}

func TestInMemoryStoreScopedStateSharing(t *testing.T) {
	store := NewInMemoryStore()
	a := testRef("s1")
	b := testRef("s2")
	_, err := store.Create(a)
	require.NoError(t, err)
	_, err = store.Create(b)
	require.NoError(t, err)

	require.NoError(t, store.ApplyDelta(a, map[string]any{
		"app:theme":   "dark",
		"user:locale": "de",
		"local":       "only-a",
	}))

	sess, err := store.Get(b)
	require.NoError(t, err)
	v, ok := sess.GetState("app:theme")
	require.True(t, ok)
	assert.Equal(t, "dark", v)
	v, ok = sess.GetState("user:locale")
	require.True(t, ok)
	assert.Equal(t, "de", v)
	_, ok = sess.GetState("local")
	assert.False(t, ok, "session keys must not leak across sessions")

	// A different user does not see user: scope.
	c := core.SessionRef{AppName: "app", UserID: "user-2", SessionID: "s3"}
	sess, err = store.Get(c)
	require.NoError(t, err)
	_, ok = sess.GetState("user:locale")
	assert.False(t, ok)
	_, ok = sess.GetState("app:theme")
	assert.True(t, ok, "app scope is shared across users")
}

func TestInMemoryStoreListEvents(t *testing.T) {
	store := NewInMemoryStore()
	ref := testRef("s1")
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(ref, core.NewMessageEvent("inv-1", "Agent", "m")))
	}

	all, err := store.ListEvents(ref, 0, -1)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	mid, err := store.ListEvents(ref, 1, 3)
	require.NoError(t, err)
	assert.Len(t, mid, 2)

	none, err := store.ListEvents(ref, 4, 2)
	require.NoError(t, err)
	assert.Empty(t, none)

	missing, err := store.ListEvents(testRef("nope"), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestInMemoryStoreReturnsClones(t *testing.T) {
	store := NewInMemoryStore()
	ref := testRef("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)

	sess, err := store.Get(ref)
	require.NoError(t, err)
	sess.SetState("mutated", true)

	fresh, err := store.Get(ref)
	require.NoError(t, err)
	_, ok := fresh.GetState("mutated")
	assert.False(t, ok, "mutating a returned view must not touch the store")
}

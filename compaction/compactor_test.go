package compaction_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/compaction"
	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/internal/testutil"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/session"
)

// seedInvocations appends n user/assistant exchanges, one invocation each.
func seedInvocations(t *testing.T, store core.SessionStore, ref core.SessionRef, start, n int) {
	t.Helper()
	for i := start; i < start+n; i++ {
		inv := fmt.Sprintf("inv-%d", i)
		require.NoError(t, store.AppendEvent(ref, testutil.NewEventBuilder().
			Author("user").Invocation(inv).
			UserText(fmt.Sprintf("question %d", i)).Build()))
		require.NoError(t, store.AppendEvent(ref, testutil.NewEventBuilder().
			Author("assistant").Invocation(inv).
			AssistantText(fmt.Sprintf("answer %d", i)).Build()))
	}
}

func compactionEvents(t *testing.T, store core.SessionStore, ref core.SessionRef) []core.Event {
	t.Helper()
	sess, err := store.Get(ref)
	require.NoError(t, err)
	var out []core.Event
	for _, ev := range sess.GetEvents() {
		if ev.IsCompaction() {
			out = append(out, ev)
		}
	}
	return out
}

func TestCompactorSummarizesOldInvocations(t *testing.T) {
	store := session.NewInMemoryStore()
	ref := testutil.Ref("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)
	seedInvocations(t, store, ref, 1, 5)

	backend := model.NewMockModel("mock", "test")
	backend.EnqueueText("The user asked two questions and got two answers.")

	c := compaction.NewCompactor(backend, store)
	require.NoError(t, c.MaybeCompact(context.Background(), ref))

	comps := compactionEvents(t, store, ref)
	require.Len(t, comps, 1)
	comp := comps[0].Actions.Compaction
	assert.Equal(t, compaction.CompactionAuthor, comps[0].Author)
	assert.Equal(t, "The user asked two questions and got two answers.", comp.Summary.Text())

	sess, err := store.Get(ref)
	require.NoError(t, err)
	events := sess.GetEvents()
	// With the default retention of three invocations, the oldest two are
	// summarized: the range spans the first event of inv-1 through the last
	// event of inv-2.
	assert.Equal(t, events[0].ID, comp.StartID)
	assert.Equal(t, events[3].ID, comp.EndID)
	assert.False(t, comp.StartTimestamp.After(comp.EndTimestamp))
}

func TestCompactorSkipsShortHistory(t *testing.T) {
	store := session.NewInMemoryStore()
	ref := testutil.Ref("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)
	seedInvocations(t, store, ref, 1, 3)

	backend := model.NewMockModel("mock", "test")
	c := compaction.NewCompactor(backend, store)
	require.NoError(t, c.MaybeCompact(context.Background(), ref))

	assert.Empty(t, compactionEvents(t, store, ref))
	assert.Zero(t, backend.CallCount())
}

func TestCompactorIdempotentWithoutNewEvents(t *testing.T) {
	store := session.NewInMemoryStore()
	ref := testutil.Ref("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)
	seedInvocations(t, store, ref, 1, 5)

	backend := model.NewMockModel("mock", "test")
	backend.EnqueueText("summary")

	c := compaction.NewCompactor(backend, store)
	require.NoError(t, c.MaybeCompact(context.Background(), ref))
	require.NoError(t, c.MaybeCompact(context.Background(), ref))

	assert.Len(t, compactionEvents(t, store, ref), 1)
	assert.Equal(t, 1, backend.CallCount())
}

func TestCompactorAdvancesPastPreviousBoundary(t *testing.T) {
	store := session.NewInMemoryStore()
	ref := testutil.Ref("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)
	seedInvocations(t, store, ref, 1, 5)

	backend := model.NewMockModel("mock", "test")
	backend.EnqueueText("first summary")
	backend.EnqueueText("second summary")

	c := compaction.NewCompactor(backend, store)
	require.NoError(t, c.MaybeCompact(context.Background(), ref))

	// One more invocation tips the post-boundary window past the retention
	// limit again; only inv-3 is old enough to be summarized now.
	seedInvocations(t, store, ref, 6, 1)
	require.NoError(t, c.MaybeCompact(context.Background(), ref))

	comps := compactionEvents(t, store, ref)
	require.Len(t, comps, 2)
	second := comps[1].Actions.Compaction
	assert.Equal(t, "second summary", second.Summary.Text())

	sess, err := store.Get(ref)
	require.NoError(t, err)
	var inv3 []core.Event
	for _, ev := range sess.GetEvents() {
		if ev.InvocationID == "inv-3" {
			inv3 = append(inv3, ev)
		}
	}
	require.Len(t, inv3, 2)
	assert.Equal(t, inv3[0].ID, second.StartID)
	assert.Equal(t, inv3[1].ID, second.EndID)
}

func TestCompactorRetentionOption(t *testing.T) {
	store := session.NewInMemoryStore()
	ref := testutil.Ref("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)
	seedInvocations(t, store, ref, 1, 3)

	backend := model.NewMockModel("mock", "test")
	backend.EnqueueText("summary")

	c := compaction.NewCompactor(backend, store, func(o *compaction.Options) {
		o.RetainInvocations = 1
	})
	require.NoError(t, c.MaybeCompact(context.Background(), ref))

	comps := compactionEvents(t, store, ref)
	require.Len(t, comps, 1)

	sess, err := store.Get(ref)
	require.NoError(t, err)
	events := sess.GetEvents()
	assert.Equal(t, events[0].ID, comps[0].Actions.Compaction.StartID)
	assert.Equal(t, events[3].ID, comps[0].Actions.Compaction.EndID)
}

func TestCompactorModelFailure(t *testing.T) {
	store := session.NewInMemoryStore()
	ref := testutil.Ref("s1")
	_, err := store.Create(ref)
	require.NoError(t, err)
	seedInvocations(t, store, ref, 1, 5)

	backend := model.NewMockModel("mock", "test")
	backend.FailWith(errors.New("backend down"))

	c := compaction.NewCompactor(backend, store)
	err = c.MaybeCompact(context.Background(), ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Empty(t, compactionEvents(t, store, ref))
}

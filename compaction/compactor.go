// Package compaction shrinks the model context of long sessions. The
// Compactor summarizes old event ranges through a reasoning model and
// appends a single compaction event carrying the summary and the covered
// range; the original events are never deleted. Context reconstruction in
// the flow substitutes the covered range with the summary.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/logging"
)

// CompactionAuthor is the author recorded on compaction events.
const CompactionAuthor = "compactor"

const defaultRetainInvocations = 3

const summaryInstructions = "You compress conversation history. Summarize the " +
	"following conversation faithfully and concisely, preserving facts, names, " +
	"numbers, decisions and unresolved questions. Write plain prose."

// Options configures a Compactor.
type Options struct {
	// RetainInvocations is the number of most recent invocations kept
	// verbatim; only older events are summarized.
	RetainInvocations int
	// Instructions overrides the summarization system prompt.
	Instructions string
	Logger       logging.Logger
}

// Compactor summarizes old session history. Safe for concurrent use; runs
// for the same session are serialized and re-running without new events is
// a no-op.
type Compactor struct {
	model        core.Model
	sessions     core.SessionStore
	retain       int
	instructions string
	logger       logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCompactor creates a compactor summarizing through m and persisting via
// sessions.
func NewCompactor(m core.Model, sessions core.SessionStore, optFns ...func(o *Options)) *Compactor {
	opts := Options{
		RetainInvocations: defaultRetainInvocations,
		Instructions:      summaryInstructions,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RetainInvocations < 1 {
		opts.RetainInvocations = 1
	}
	return &Compactor{
		model:        m,
		sessions:     sessions,
		retain:       opts.RetainInvocations,
		instructions: opts.Instructions,
		logger:       opts.Logger,
		locks:        map[string]*sync.Mutex{},
	}
}

// MaybeCompact summarizes the session's history older than the retention
// window and appends one compaction event. It does nothing when too little
// history has accumulated since the last compaction.
func (c *Compactor) MaybeCompact(ctx context.Context, ref core.SessionRef) error {
	lock := c.sessionLock(ref)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.sessions.Get(ref)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	events := sess.GetEvents()

	candidates := c.selectCandidates(events)
	if len(candidates) == 0 {
		c.logger.Debug("compaction.skip", "session", ref.String())
		return nil
	}

	summary, err := c.summarize(ctx, candidates)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	first, last := candidates[0], candidates[len(candidates)-1]
	ev := core.NewEvent(first.InvocationID, CompactionAuthor)
	ev.Actions.Compaction = &core.Compaction{
		StartID:        first.ID,
		EndID:          last.ID,
		StartTimestamp: first.Timestamp,
		EndTimestamp:   last.Timestamp,
		Summary:        core.NewTextContent("user", summary),
	}
	if err := c.sessions.AppendEvent(ref, ev); err != nil {
		return fmt.Errorf("append compaction event: %w", err)
	}

	c.logger.Info("compaction.done",
		"session", ref.String(),
		"events", len(candidates),
		"start_id", first.ID,
		"end_id", last.ID,
	)
	return nil
}

// selectCandidates returns the conversation events eligible for
// summarization: everything after the previous compaction boundary that
// does not belong to the most recent retained invocations.
func (c *Compactor) selectCandidates(events []core.Event) []core.Event {
	start := 0
	for i := len(events) - 1; i >= 0; i-- {
		if comp := events[i].Actions.Compaction; comp != nil {
			for j, ev := range events {
				if ev.ID == comp.EndID {
					start = j + 1
					break
				}
			}
			break
		}
	}

	tail := events[start:]

	// Invocation ids in first-appearance order; the last retain ids stay
	// verbatim.
	var order []string
	seen := map[string]bool{}
	for _, ev := range tail {
		if ev.IsCompaction() || ev.InvocationID == "" {
			continue
		}
		if !seen[ev.InvocationID] {
			seen[ev.InvocationID] = true
			order = append(order, ev.InvocationID)
		}
	}
	if len(order) <= c.retain {
		return nil
	}
	retained := map[string]bool{}
	for _, id := range order[len(order)-c.retain:] {
		retained[id] = true
	}

	var out []core.Event
	for _, ev := range tail {
		if ev.IsCompaction() || retained[ev.InvocationID] {
			continue
		}
		if ev.Content == nil || ev.Content.Text() == "" {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// summarize runs the model over the candidate conversation and returns the
// summary text.
func (c *Compactor) summarize(ctx context.Context, events []core.Event) (string, error) {
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(ev.Content.Role)
		sb.WriteString(": ")
		sb.WriteString(ev.Content.Text())
		sb.WriteString("\n")
	}

	req := core.ModelRequest{
		Instructions: c.instructions,
		Contents:     []core.Content{*core.NewTextContent("user", sb.String())},
	}
	respCh, errCh := c.model.Generate(ctx, req)

	var final *core.ModelResponse
	for resp := range respCh {
		if resp.Partial {
			continue
		}
		r := resp
		final = &r
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	if final == nil || final.Content.Text() == "" {
		return "", fmt.Errorf("model returned no summary")
	}
	return final.Content.Text(), nil
}

func (c *Compactor) sessionLock(ref core.SessionRef) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ref.String()
	if _, ok := c.locks[key]; !ok {
		c.locks[key] = &sync.Mutex{}
	}
	return c.locks[key]
}

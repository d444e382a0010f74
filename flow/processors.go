package flow

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/internal/util"
	"github.com/loomworks/loom/tool"
)

// InstructionsProcessor resolves the agent's system instructions and expands
// {{key}} placeholders from session state.
type InstructionsProcessor struct{}

// NewInstructionsProcessor creates a new instructions processor.
func NewInstructionsProcessor() *InstructionsProcessor { return &InstructionsProcessor{} }

// Name returns the processor's identifier.
func (p *InstructionsProcessor) Name() string { return "instructions" }

// ProcessRequest resolves and templates the system instructions.
func (p *InstructionsProcessor) ProcessRequest(ic *core.InvocationContext, req *core.ModelRequest, agent FlowAgent) error {
	instructions, err := agent.ResolveInstructions(ic)
	if err != nil {
		return fmt.Errorf("resolve instructions: %w", err)
	}

	ic.LogDebug("flow.instructions.resolved", "agent", agent.Name(), "length", len(instructions))

	if ic.Session != nil && ic.Session.State != nil {
		rendered, tplErr := util.RenderTemplate(instructions, ic.Session.GetStateSnapshot())
		if tplErr != nil {
			return fmt.Errorf("render instructions: %w", tplErr)
		}
		instructions = rendered
	}

	req.Instructions = instructions
	return nil
}

// ContentsProcessor reconstructs the conversation from the event log. When
// the log carries a compaction, the covered span is replaced by its summary
// so the model sees the summary followed by everything after the compacted
// range. Events from sibling branches are excluded.
type ContentsProcessor struct{}

// NewContentsProcessor creates a new contents processor.
func NewContentsProcessor() *ContentsProcessor { return &ContentsProcessor{} }

// Name returns the processor's identifier.
func (p *ContentsProcessor) Name() string { return "contents" }

// ProcessRequest assembles req.Contents from session history.
func (p *ContentsProcessor) ProcessRequest(ic *core.InvocationContext, req *core.ModelRequest, agent FlowAgent) error {
	if ic.Session == nil {
		return nil
	}

	events := ic.Session.GetEvents()
	latest := latestCompaction(events)

	var contents []core.Content
	if latest != nil {
		if latest.Summary != nil {
			summary := *latest.Summary
			if summary.Role == "" {
				summary.Role = "user"
			}
			contents = append(contents, summary)
		}
		events = eventsAfterCompaction(events, *latest)
	}

	for _, ev := range events {
		if !includeInConversation(ev, ic.Branch) {
			continue
		}
		contents = append(contents, *ev.Content)
	}

	if max := agent.MaxHistoryMessages(); max > 0 && len(contents) > max {
		contents = contents[len(contents)-max:]
	}

	req.Contents = contents
	return nil
}

// includeInConversation applies the conversation filter: user, assistant,
// and tool roles, no streaming fragments, no compaction bookkeeping, and
// only events visible from the current branch.
func includeInConversation(ev core.Event, branch string) bool {
	if ev.Content == nil || len(ev.Content.Parts) == 0 {
		return false
	}
	if ev.IsPartial() || ev.IsCompaction() {
		return false
	}
	switch ev.Content.Role {
	case "user", "assistant", "tool":
	default:
		return false
	}
	return branchVisible(ev.Branch, branch)
}

// branchVisible reports whether an event authored on evBranch belongs in the
// context of an agent running on branch. Ancestor branches are visible,
// sibling branches are not.
func branchVisible(evBranch, branch string) bool {
	if evBranch == "" || evBranch == branch {
		return true
	}
	return strings.HasPrefix(branch, evBranch+".")
}

// latestCompaction returns the most recent compaction in the log, nil if none.
func latestCompaction(events []core.Event) *core.Compaction {
	for i := len(events) - 1; i >= 0; i-- {
		if c := events[i].Actions.Compaction; c != nil {
			return c
		}
	}
	return nil
}

// eventsAfterCompaction returns the suffix of events following the compacted
// range, preferring the end id boundary and falling back to timestamps.
func eventsAfterCompaction(events []core.Event, c core.Compaction) []core.Event {
	for i, ev := range events {
		if ev.ID == c.EndID {
			return events[i+1:]
		}
	}
	var out []core.Event
	for _, ev := range events {
		if ev.Timestamp.After(c.EndTimestamp) {
			out = append(out, ev)
		}
	}
	return out
}

// MemoryRecallProcessor surfaces relevant long-term memories as additional
// instructions. A nil memory store disables recall.
type MemoryRecallProcessor struct {
	Limit int
}

// NewMemoryRecallProcessor creates a recall processor returning at most
// limit memories per turn.
func NewMemoryRecallProcessor(limit int) *MemoryRecallProcessor {
	if limit <= 0 {
		limit = 5
	}
	return &MemoryRecallProcessor{Limit: limit}
}

// Name returns the processor's identifier.
func (p *MemoryRecallProcessor) Name() string { return "memory_recall" }

// ProcessRequest queries the memory store with the user's text and appends
// matches to the instructions.
func (p *MemoryRecallProcessor) ProcessRequest(ic *core.InvocationContext, req *core.ModelRequest, agent FlowAgent) error {
	if ic.Memory == nil {
		return nil
	}
	query := ic.UserContent.Text()
	if query == "" {
		return nil
	}
	results, err := ic.SearchMemory(query, p.Limit)
	if err != nil {
		ic.LogWarn("flow.memory.recall_failed", "agent", agent.Name(), "error", err.Error())
		return nil
	}
	if len(results) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("\n\nRelevant information from past conversations:\n")
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Content)
		sb.WriteString("\n")
	}
	req.Instructions += sb.String()
	ic.LogDebug("flow.memory.recalled", "agent", agent.Name(), "count", len(results))
	return nil
}

// TransferToolInjector upgrades the transfer_to_agent tool definition with
// the concrete set of reachable agents so the model can only name valid
// targets.
type TransferToolInjector struct{}

// NewTransferToolInjector creates the injector.
func NewTransferToolInjector() *TransferToolInjector { return &TransferToolInjector{} }

// Name returns the processor's identifier.
func (p *TransferToolInjector) Name() string { return "transfer_injector" }

// ProcessRequest rewrites (or adds) the transfer tool definition with an
// enum of reachable agent names.
func (p *TransferToolInjector) ProcessRequest(ic *core.InvocationContext, req *core.ModelRequest, agent FlowAgent) error {
	if !agent.TransferEnabled() {
		return nil
	}
	peers := agent.PeerAgents()
	if len(peers) == 0 {
		return nil
	}

	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.Name)
	}

	// The tool owns the delegation contract; the injector republishes it
	// with the invocation's reachable targets.
	transfer := tool.NewTransferToAgentTool(names...)
	def := core.ToolDefinition{
		Type: "function",
		Function: core.FunctionDefinition{
			Name:        transfer.Name(),
			Description: transfer.Description(),
			Parameters:  transfer.Parameters(),
		},
	}

	for i, existing := range req.Tools {
		if existing.Function.Name == def.Function.Name {
			req.Tools[i] = def
			return nil
		}
	}
	req.Tools = append(req.Tools, def)
	return nil
}

// compile-time checks
var (
	_ RequestProcessor = (*InstructionsProcessor)(nil)
	_ RequestProcessor = (*ContentsProcessor)(nil)
	_ RequestProcessor = (*MemoryRecallProcessor)(nil)
	_ RequestProcessor = (*TransferToolInjector)(nil)
)

package agent

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom/core"
)

// BaseAgent bundles identity and hierarchy management shared by all agent
// implementations. Embed it and supply Run plus Kind to satisfy core.Agent.
// All exported methods are goroutine-safe.
type BaseAgent struct {
	name        string
	description string

	mu        sync.Mutex
	self      core.Agent // the embedding agent, set by bind
	parent    core.Agent
	subAgents []core.Agent
}

// NewBaseAgent constructs a BaseAgent with a generated description; override
// it with SetDescription.
func NewBaseAgent(name string) BaseAgent {
	return BaseAgent{
		name:        name,
		description: fmt.Sprintf("Agent %s", name),
	}
}

// bind registers the embedding agent so hierarchy lookups return the
// concrete type instead of the embedded base. Concrete constructors must
// call it before the agent joins a tree.
func (b *BaseAgent) bind(self core.Agent) { b.self = self }

// Name returns the agent's display name.
func (b *BaseAgent) Name() string { return b.name }

// Description returns a description of this agent's purpose, used when
// peers decide on transfer targets.
func (b *BaseAgent) Description() string { return b.description }

// SetDescription replaces the agent's description.
func (b *BaseAgent) SetDescription(desc string) { b.description = desc }

// SetSubAgents atomically replaces the child set and assigns this agent as
// each child's parent. Children must have unique names, and none of them
// may already contain this agent in their subtree.
func (b *BaseAgent) SetSubAgents(children ...core.Agent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(children))
	for _, child := range children {
		if seen[child.Name()] {
			return fmt.Errorf("%w: %q", core.ErrDuplicateAgentName, child.Name())
		}
		seen[child.Name()] = true
	}

	ancestors := b.ancestorsLocked()
	for _, child := range children {
		if subtreeContainsAny(child, ancestors) {
			return fmt.Errorf("%w: %q", core.ErrAgentCycle, child.Name())
		}
	}

	// Detach previous children before linking the new set.
	for _, child := range b.subAgents {
		if setter, ok := child.(parentSetter); ok {
			setter.setParent(nil)
		}
	}
	b.subAgents = nil

	for _, child := range children {
		if setter, ok := child.(parentSetter); ok {
			setter.setParent(b.self)
		}
		b.subAgents = append(b.subAgents, child)
	}
	return nil
}

type parentSetter interface{ setParent(core.Agent) }

// setParent links the parent reference. Internal; called by SetSubAgents.
func (b *BaseAgent) setParent(p core.Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parent = p
}

// Parent returns the parent agent, nil for a root.
func (b *BaseAgent) Parent() core.Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parent
}

// SubAgents returns a shallow copy of the child agents.
func (b *BaseAgent) SubAgents() []core.Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]core.Agent, len(b.subAgents))
	copy(result, b.subAgents)
	return result
}

// FindAgent performs a depth-first search over the subtree rooted at this
// agent, including itself, returning the first agent whose name matches.
// Returns nil if no match is found.
func (b *BaseAgent) FindAgent(name string) core.Agent {
	if b.name == name {
		return b.self
	}
	for _, child := range b.SubAgents() {
		if found := child.FindAgent(name); found != nil {
			return found
		}
	}
	return nil
}

// ancestorsLocked collects this agent and its parents up to the root.
func (b *BaseAgent) ancestorsLocked() []core.Agent {
	var out []core.Agent
	if b.self != nil {
		out = append(out, b.self)
	}
	for p := b.parent; p != nil; p = p.Parent() {
		out = append(out, p)
	}
	return out
}

// subtreeContainsAny reports whether root's subtree (root included) holds
// any of the given agents, compared by identity.
func subtreeContainsAny(root core.Agent, agents []core.Agent) bool {
	stack := []core.Agent{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, a := range agents {
			if n == a {
				return true
			}
		}
		stack = append(stack, n.SubAgents()...)
	}
	return false
}

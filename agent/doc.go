// Package agent contains the agent implementations that make up an
// execution tree:
//
//  1. Base hierarchy plumbing (BaseAgent with cycle and name checks)
//  2. The reasoning leaf (ModelAgent, driven by the flow package)
//  3. Composite coordinators (SequentialAgent, ParallelAgent, LoopAgent)
//  4. CustomAgent for user-supplied run functions
//
// Agents nest arbitrarily via SetSubAgents and locate each other with
// FindAgent. An agent's Run receives a *core.InvocationContext and emits
// events through it; composites derive child contexts to isolate or
// intercept child output. Persistence, model specifics and tool
// abstractions live in their own packages.
package agent

// Package core defines the shared data model and service contracts of the
// loom runtime: events and their content parts, sessions with scoped state,
// the per-invocation context handed to agents, and the interfaces for
// session, artifact, memory and model backends.
//
// Everything in core is transport- and provider-agnostic. Concrete stores
// live in the session, artifact and memory packages; model adapters live
// under model/.
package core

// Package artifact provides ArtifactStore implementations for binary
// payloads referenced from events. Artifacts are scoped per session and
// addressed by caller-chosen ids.
package artifact

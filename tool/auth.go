package tool

import (
	"errors"
	"fmt"

	"github.com/loomworks/loom/core"
)

// RequestCredentialName is the synthetic function name used for the
// credential handshake. When a tool needs an unresolved credential the
// executor emits a function call with this name and pauses; the caller
// answers with a function response of the same name and id carrying the
// resolved credential, and the original call is re-executed.
const RequestCredentialName = "request_credential"

// ErrAuthPending signals that a tool call was suspended awaiting an
// externally resolved credential. It is a control signal, not a failure.
var ErrAuthPending = errors.New("tool: credential request pending")

// CredentialKey derives the state key under which a resolved credential for
// the given scheme and name is stored.
func CredentialKey(scheme, name string) string {
	return fmt.Sprintf("%s%s_%s", core.TempPrefix, scheme, name)
}

// CheckAuth enforces a tool's declared credential requirement. When the
// credential is unresolved it records the request on the ToolContext and
// returns ErrAuthPending; otherwise it returns nil and the tool may run.
func CheckAuth(t Tool, tc *core.ToolContext) error {
	cfg, required := RequiredAuth(t)
	if !required {
		return nil
	}
	if _, ok := tc.ResolvedCredential(cfg.Key); ok {
		return nil
	}
	tc.RequestCredential(cfg)
	return ErrAuthPending
}

// ParseCredentialResponse extracts a resolved credential from a
// request_credential function response part. The response payload may be a
// plain string credential or a map with "key", "scheme", "credential", and
// "params" fields.
func ParseCredentialResponse(fr core.FunctionResponse, fallback core.AuthConfig) (core.AuthConfig, bool) {
	if fr.Name != RequestCredentialName {
		return core.AuthConfig{}, false
	}
	cfg := fallback
	switch resp := fr.Response.(type) {
	case string:
		cfg.Credential = resp
	case map[string]any:
		if v, ok := resp["key"].(string); ok && v != "" {
			cfg.Key = v
		}
		if v, ok := resp["scheme"].(string); ok && v != "" {
			cfg.Scheme = v
		}
		if v, ok := resp["credential"].(string); ok {
			cfg.Credential = v
		}
		if v, ok := resp["params"].(map[string]any); ok {
			cfg.Params = v
		}
	default:
		return core.AuthConfig{}, false
	}
	if cfg.Key == "" || cfg.Credential == "" {
		return core.AuthConfig{}, false
	}
	return cfg, true
}

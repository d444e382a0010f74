package plugin

import (
	"fmt"

	"github.com/loomworks/loom/core"
)

// Host dispatches lifecycle hooks to an ordered plugin list. All hooks run
// synchronously in registration order; the first error aborts the stage.
// A nil *Host is a valid empty host.
type Host struct {
	plugins []Plugin
}

// NewHost creates a host over the given plugins, preserving order.
func NewHost(plugins ...Plugin) (*Host, error) {
	h := &Host{}
	for _, p := range plugins {
		if err := h.Register(p); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Register appends a plugin. Names must be unique.
func (h *Host) Register(p Plugin) error {
	for _, existing := range h.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin %q already registered", p.Name())
		}
	}
	h.plugins = append(h.plugins, p)
	return nil
}

// Plugins returns the registered plugins in dispatch order.
func (h *Host) Plugins() []Plugin {
	if h == nil {
		return nil
	}
	out := make([]Plugin, len(h.plugins))
	copy(out, h.plugins)
	return out
}

// BeforeRun implements core.PluginHost.
func (h *Host) BeforeRun(ic *core.InvocationContext) error {
	if h == nil {
		return nil
	}
	for _, p := range h.plugins {
		hook, ok := p.(BeforeRunHook)
		if !ok {
			continue
		}
		if err := hook.BeforeRun(ic); err != nil {
			return fmt.Errorf("plugin %s before run: %w", p.Name(), err)
		}
	}
	return nil
}

// AfterRun implements core.PluginHost.
func (h *Host) AfterRun(ic *core.InvocationContext) error {
	if h == nil {
		return nil
	}
	for _, p := range h.plugins {
		hook, ok := p.(AfterRunHook)
		if !ok {
			continue
		}
		if err := hook.AfterRun(ic); err != nil {
			return fmt.Errorf("plugin %s after run: %w", p.Name(), err)
		}
	}
	return nil
}

// BeforeModel implements core.PluginHost. The first plugin returning a
// non-nil response short-circuits both the remaining plugins and the model
// call.
func (h *Host) BeforeModel(ic *core.InvocationContext, req *core.ModelRequest) (*core.ModelResponse, error) {
	if h == nil {
		return nil, nil
	}
	for _, p := range h.plugins {
		hook, ok := p.(BeforeModelHook)
		if !ok {
			continue
		}
		resp, err := hook.BeforeModel(ic, req)
		if err != nil {
			return nil, fmt.Errorf("plugin %s before model: %w", p.Name(), err)
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// AfterModel implements core.PluginHost.
func (h *Host) AfterModel(ic *core.InvocationContext, resp *core.ModelResponse) error {
	if h == nil {
		return nil
	}
	for _, p := range h.plugins {
		hook, ok := p.(AfterModelHook)
		if !ok {
			continue
		}
		if err := hook.AfterModel(ic, resp); err != nil {
			return fmt.Errorf("plugin %s after model: %w", p.Name(), err)
		}
	}
	return nil
}

// BeforeTool implements core.PluginHost. Rewrites chain: each plugin sees
// the arguments left by the previous one.
func (h *Host) BeforeTool(tc *core.ToolContext, toolName string, args map[string]any) (map[string]any, error) {
	if h == nil {
		return nil, nil
	}
	current := args
	replaced := false
	for _, p := range h.plugins {
		hook, ok := p.(BeforeToolHook)
		if !ok {
			continue
		}
		next, err := hook.BeforeTool(tc, toolName, current)
		if err != nil {
			return nil, fmt.Errorf("plugin %s before tool %s: %w", p.Name(), toolName, err)
		}
		if next != nil {
			current = next
			replaced = true
		}
	}
	if !replaced {
		return nil, nil
	}
	return current, nil
}

// AfterTool implements core.PluginHost. Rewrites chain like BeforeTool.
func (h *Host) AfterTool(tc *core.ToolContext, toolName string, result any, callErr error) (any, error) {
	if h == nil {
		return nil, nil
	}
	var replacement any
	current := result
	for _, p := range h.plugins {
		hook, ok := p.(AfterToolHook)
		if !ok {
			continue
		}
		next, err := hook.AfterTool(tc, toolName, current, callErr)
		if err != nil {
			return nil, fmt.Errorf("plugin %s after tool %s: %w", p.Name(), toolName, err)
		}
		if next != nil {
			replacement = next
			current = next
			callErr = nil
		}
	}
	return replacement, nil
}

var _ core.PluginHost = (*Host)(nil)

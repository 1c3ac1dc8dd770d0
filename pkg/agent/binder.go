package agent

import (
	"fmt"
	"log/slog"

	"synapse/pkg/api"
	"synapse/pkg/llm"
)

// Binder owns the live tool set bound to the model and the bound handle
// answering for it. The set only grows, never holds two tools of the same
// name, and every growth happens through one atomic rebind: on failure the
// previous handle and set stay in effect untouched.
type Binder struct {
	base   llm.ChatModel // unbound model, rebind target
	bound  llm.ChatModel // current handle, == base while no tools are bound
	defs   []llm.ToolDefinition
	byName map[string]api.Tool
	order  []string
}

// NewBinder builds a binder and performs the initial bind of the given
// tools. A bind failure here is fatal: the model cannot take this tool set
// and no run should start. With zero tools no bind is attempted.
func NewBinder(model llm.ChatModel, initial []api.Tool) (*Binder, error) {
	b := &Binder{
		base:   model,
		bound:  model,
		byName: make(map[string]api.Tool),
	}
	if len(initial) > 0 {
		if _, err := b.AddAndRebind(initial); err != nil {
			return nil, fmt.Errorf("initial tool bind failed: %w", err)
		}
	}
	return b, nil
}

// AddAndRebind filters the given tools down to names not yet bound and, if
// any remain, rebinds the model with the extended definition list in one
// step. Returns how many tools were added. On rebind failure nothing is
// mutated and the error is returned; the caller decides whether that is
// fatal.
func (b *Binder) AddAndRebind(tools []api.Tool) (int, error) {
	var fresh []api.Tool
	seen := make(map[string]bool)
	for _, t := range tools {
		name := t.Definition().Name
		if name == "" {
			slog.Warn("Skipping tool with empty name")
			continue
		}
		if _, exists := b.byName[name]; exists || seen[name] {
			slog.Debug("Skipping duplicate tool name", "name", name)
			continue
		}
		seen[name] = true
		fresh = append(fresh, t)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	defs := make([]llm.ToolDefinition, 0, len(b.defs)+len(fresh))
	defs = append(defs, b.defs...)
	for _, t := range fresh {
		defs = append(defs, t.Definition())
	}

	bound, err := b.base.BindTools(defs)
	if err != nil {
		return 0, fmt.Errorf("rebind with %d tools failed: %w", len(defs), err)
	}

	b.defs = defs
	b.bound = bound
	for _, t := range fresh {
		name := t.Definition().Name
		b.byName[name] = t
		b.order = append(b.order, name)
	}
	slog.Debug("Tool set rebound", "added", len(fresh), "total", len(b.order))
	return len(fresh), nil
}

// Lookup returns the tool bound under name.
func (b *Binder) Lookup(name string) (api.Tool, bool) {
	t, ok := b.byName[name]
	return t, ok
}

// Names returns the bound tool names in bind order.
func (b *Binder) Names() []string {
	cp := make([]string, len(b.order))
	copy(cp, b.order)
	return cp
}

// Len returns the number of bound tools.
func (b *Binder) Len() int {
	return len(b.order)
}

// Model returns the current bound handle.
func (b *Binder) Model() llm.ChatModel {
	return b.bound
}

// Clone returns an independent binder starting from this one's state.
// The bound handle is shared (handles are immutable); the growth state is
// copied so per-run additions stay isolated.
func (b *Binder) Clone() *Binder {
	cp := &Binder{
		base:   b.base,
		bound:  b.bound,
		defs:   make([]llm.ToolDefinition, len(b.defs)),
		byName: make(map[string]api.Tool, len(b.byName)),
		order:  make([]string, len(b.order)),
	}
	copy(cp.defs, b.defs)
	copy(cp.order, b.order)
	for name, t := range b.byName {
		cp.byName[name] = t
	}
	return cp
}

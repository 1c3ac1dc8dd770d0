package extension

import (
	"fmt"
	"log/slog"
	"strings"

	"synapse/pkg/capability"
	"synapse/pkg/config"
	"synapse/pkg/llm"
)

// Context is the shared mutable state of one run, created once by the
// engine and passed by reference into every extension call of that run.
// Extensions in the same dispatch pass see each other's mutations; the two
// activation sets only ever grow.
type Context struct {
	registry *capability.Registry
	appCfg   *config.Config
	sysCfg   *config.SystemConfig

	history []llm.Message

	fragments *orderedSet
	toolTypes *orderedSet

	values map[string]any
}

// NewContext builds the per-run context. The capability registry validates
// every activation attempt.
func NewContext(registry *capability.Registry, appCfg *config.Config, sysCfg *config.SystemConfig) *Context {
	return &Context{
		registry:  registry,
		appCfg:    appCfg,
		sysCfg:    sysCfg,
		fragments: newOrderedSet(),
		toolTypes: newOrderedSet(),
		values:    make(map[string]any),
	}
}

// SetHistory refreshes the history view extensions read. The engine calls
// it before each dispatch pass.
func (ec *Context) SetHistory(history []llm.Message) {
	ec.history = history
}

// Messages returns a copy of the current history view.
func (ec *Context) Messages() []llm.Message {
	cp := make([]llm.Message, len(ec.history))
	copy(cp, ec.history)
	return cp
}

// Transcript renders the last n non-system messages as plain "role: text"
// lines, oldest first. n <= 0 renders everything.
func (ec *Context) Transcript(n int) string {
	msgs := ec.history
	var lines []string
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		text := m.GetTextContent()
		if text == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Function.Name)
			}
			text = fmt.Sprintf("[calls: %s]", strings.Join(names, ", "))
		}
		lines = append(lines, m.Role+": "+text)
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Config returns the application configuration of this run.
func (ec *Context) Config() *config.Config {
	return ec.appCfg
}

// SystemConfig returns the system configuration of this run.
func (ec *Context) SystemConfig() *config.SystemConfig {
	return ec.sysCfg
}

// Registry exposes the capability catalog for read access.
func (ec *Context) Registry() *capability.Registry {
	return ec.registry
}

// ActivateFragment adds a fragment id to the run's activated set. Returns
// false when the id is unknown to the catalog or already activated.
func (ec *Context) ActivateFragment(id string) bool {
	if !ec.registry.HasFragment(id) {
		slog.Warn("Rejecting unknown fragment id", "id", id)
		return false
	}
	return ec.fragments.add(id)
}

// ActivateToolType adds a tool-type id to the run's activated set. Returns
// false when the id is unknown to the catalog or already activated.
func (ec *Context) ActivateToolType(id string) bool {
	if !ec.registry.HasToolType(id) {
		slog.Warn("Rejecting unknown tool type id", "id", id)
		return false
	}
	return ec.toolTypes.add(id)
}

// ActivatedFragments returns the activated fragment ids in first-activation
// order.
func (ec *Context) ActivatedFragments() []string {
	return ec.fragments.values()
}

// ActivatedToolTypes returns the activated tool-type ids in first-activation
// order.
func (ec *Context) ActivatedToolTypes() []string {
	return ec.toolTypes.values()
}

// SetValue stashes a value for later extensions or the engine to pick up.
func (ec *Context) SetValue(key string, val any) {
	ec.values[key] = val
}

// Value reads a stashed value.
func (ec *Context) Value(key string) (any, bool) {
	val, ok := ec.values[key]
	return val, ok
}

//----------------------------------------------------------------
// orderedSet - grow-only set preserving insertion order
//----------------------------------------------------------------

type orderedSet struct {
	seen  map[string]bool
	order []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(id string) bool {
	if s.seen[id] {
		return false
	}
	s.seen[id] = true
	s.order = append(s.order, id)
	return true
}

func (s *orderedSet) values() []string {
	cp := make([]string, len(s.order))
	copy(cp, s.order)
	return cp
}

package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fragment is one reusable block of prompt text the assistant can switch on
// for a run (persona addenda, task playbooks, output policies).
type Fragment struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// ToolType is one activatable tool family. Guidance is injected into the
// system message once the type is activated so the model knows how to use
// the family's tools. Tools names the builtin tools the family carries;
// wiring resolves the names against the builtin pool.
type ToolType struct {
	ID       string   `json:"id"`
	Guidance string   `json:"guidance,omitempty"`
	Tools    []string `json:"tools,omitempty"`
}

// catalogConfig mirrors the "capabilities" config section.
type catalogConfig struct {
	Fragments []Fragment `json:"fragments"`
	ToolTypes []ToolType `json:"tool_types"`
}

// Registry is the static capability catalog of one process: every fragment
// and tool-type id a run may activate. It is populated during wiring and
// fixed before the first run; activation validity checks go through it.
type Registry struct {
	fragments map[string]Fragment
	toolTypes map[string]ToolType
}

func NewRegistry() *Registry {
	return &Registry{
		fragments: make(map[string]Fragment),
		toolTypes: make(map[string]ToolType),
	}
}

// LoadConfig ingests the raw "capabilities" config section. A nil section
// leaves the catalog empty, which is valid (no activatable capabilities).
func (r *Registry) LoadConfig(raw jsoniter.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var cfg catalogConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse 'capabilities' config: %w", err)
	}
	for _, f := range cfg.Fragments {
		if err := r.RegisterFragment(f); err != nil {
			return err
		}
	}
	for _, tt := range cfg.ToolTypes {
		if err := r.RegisterToolType(tt); err != nil {
			return err
		}
	}
	slog.Info("Capability catalog loaded", "fragments", len(r.fragments), "tool_types", len(r.toolTypes))
	return nil
}

// RegisterFragment adds one fragment to the catalog.
func (r *Registry) RegisterFragment(f Fragment) error {
	if f.ID == "" {
		return fmt.Errorf("fragment id must not be empty")
	}
	if _, exists := r.fragments[f.ID]; exists {
		return fmt.Errorf("duplicate fragment id %q", f.ID)
	}
	r.fragments[f.ID] = f
	return nil
}

// RegisterToolType adds one tool type to the catalog.
func (r *Registry) RegisterToolType(tt ToolType) error {
	if tt.ID == "" {
		return fmt.Errorf("tool type id must not be empty")
	}
	if _, exists := r.toolTypes[tt.ID]; exists {
		return fmt.Errorf("duplicate tool type id %q", tt.ID)
	}
	r.toolTypes[tt.ID] = tt
	return nil
}

// HasFragment reports whether the id names a cataloged fragment.
func (r *Registry) HasFragment(id string) bool {
	_, ok := r.fragments[id]
	return ok
}

// HasToolType reports whether the id names a cataloged tool type.
func (r *Registry) HasToolType(id string) bool {
	_, ok := r.toolTypes[id]
	return ok
}

// Compose concatenates the texts of the given fragment ids in the order
// given, skipping unknown ids. Implements api.FragmentLibrary.
func (r *Registry) Compose(fragmentIDs []string) string {
	var parts []string
	for _, id := range fragmentIDs {
		f, ok := r.fragments[id]
		if !ok {
			slog.Warn("Skipping unknown fragment id", "id", id)
			continue
		}
		parts = append(parts, strings.TrimSpace(f.Text))
	}
	return strings.Join(parts, "\n\n")
}

// ToolGuidance concatenates the guidance of the given tool-type ids in the
// order given, skipping unknown ids and empty guidance.
func (r *Registry) ToolGuidance(toolTypeIDs []string) string {
	var parts []string
	for _, id := range toolTypeIDs {
		tt, ok := r.toolTypes[id]
		if !ok || tt.Guidance == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(tt.Guidance))
	}
	return strings.Join(parts, "\n\n")
}

// FragmentIDs returns all cataloged fragment ids, sorted.
func (r *Registry) FragmentIDs() []string {
	ids := make([]string, 0, len(r.fragments))
	for id := range r.fragments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToolTypeIDs returns all cataloged tool-type ids, sorted.
func (r *Registry) ToolTypeIDs() []string {
	ids := make([]string, 0, len(r.toolTypes))
	for id := range r.toolTypes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToolTypes returns all cataloged tool types, sorted by id.
func (r *Registry) ToolTypes() []ToolType {
	out := make([]ToolType, 0, len(r.toolTypes))
	for _, id := range r.ToolTypeIDs() {
		out = append(out, r.toolTypes[id])
	}
	return out
}

// FragmentTitle returns the display title of a fragment, falling back to
// its id.
func (r *Registry) FragmentTitle(id string) string {
	if f, ok := r.fragments[id]; ok && f.Title != "" {
		return f.Title
	}
	return id
}

package capability

import (
	"log/slog"
	"sync"

	"synapse/pkg/api"
)

// StaticResolver maps tool-type ids to the tools wired for them at startup.
// Implements api.CapabilityResolver. Registration happens during wiring;
// a config reload may re-register, so access is mutex-guarded.
type StaticResolver struct {
	mu    sync.RWMutex
	tools map[string][]api.Tool
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		tools: make(map[string][]api.Tool),
	}
}

// Bind attaches tools to a tool-type id, appending to any already bound.
func (r *StaticResolver) Bind(toolTypeID string, tools ...api.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[toolTypeID] = append(r.tools[toolTypeID], tools...)
	for _, t := range tools {
		slog.Debug("Tool bound to type", "type", toolTypeID, "tool", t.Definition().Name)
	}
}

// Resolve returns the tools bound to the id, in registration order.
// Unknown or unconfigured ids resolve to an empty slice.
func (r *StaticResolver) Resolve(toolTypeID string) []api.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := r.tools[toolTypeID]
	out := make([]api.Tool, len(bound))
	copy(out, bound)
	return out
}

// Types returns the tool-type ids that have at least one bound tool.
func (r *StaticResolver) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

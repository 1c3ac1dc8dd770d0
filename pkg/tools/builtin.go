package tools

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"synapse/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config mirrors the "tools" config section.
type Config struct {
	// EnableShell switches the shell tool on. Off by default: it executes
	// arbitrary commands on the host.
	EnableShell bool `json:"enable_shell"`

	// Base names the builtins bound to the model up front. Nil keeps the
	// whole pool always-on; tools claimed by a capability tool type only
	// join once that type activates.
	Base []string `json:"base,omitempty"`
}

// LoadConfig parses the raw "tools" section. Empty input keeps defaults.
func LoadConfig(raw jsoniter.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse 'tools' config: %w", err)
	}
	return cfg, nil
}

// Builtins assembles the full builtin pool for the config.
func Builtins(cfg Config) []api.Tool {
	out := []api.Tool{NewClock(), NewFetchURL(nil)}
	if cfg.EnableShell {
		out = append(out, NewShell().Tool())
	}
	return out
}

// ByName indexes tools by definition name.
func ByName(pool []api.Tool) map[string]api.Tool {
	byName := make(map[string]api.Tool, len(pool))
	for _, t := range pool {
		byName[t.Definition().Name] = t
	}
	return byName
}

// BaseSet picks the always-on subset of the pool. A nil Base keeps the
// whole pool; unknown names are skipped.
func BaseSet(cfg Config, pool []api.Tool) []api.Tool {
	if cfg.Base == nil {
		return pool
	}
	byName := ByName(pool)
	out := make([]api.Tool, 0, len(cfg.Base))
	for _, name := range cfg.Base {
		if t, ok := byName[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

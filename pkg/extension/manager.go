package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the extensions of one process. It is an explicit instance
// handed to the engine at construction, never a package global; tests build
// their own.
type Manager struct {
	mu    sync.RWMutex
	exts  map[string]*Config
	order []string // registration order, breaks priority ties
}

func NewManager() *Manager {
	return &Manager{
		exts: make(map[string]*Config),
	}
}

// Register stores an extension. Registration is idempotent by ID: an
// already-registered id is left untouched and no error is raised.
func (m *Manager) Register(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("extension id must not be empty")
	}
	if cfg.Execute == nil {
		return fmt.Errorf("extension %q has no Execute function", cfg.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.exts[cfg.ID]; exists {
		slog.Debug("Extension already registered, ignoring", "id", cfg.ID)
		return nil
	}
	stored := cfg
	m.exts[cfg.ID] = &stored
	m.order = append(m.order, cfg.ID)
	slog.Info("Extension registered", "id", cfg.ID, "triggers", cfg.Triggers, "priority", cfg.Priority)
	return nil
}

// IDs returns the registered extension ids in registration order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := make([]string, len(m.order))
	copy(cp, m.order)
	return cp
}

// ExecuteByTrigger runs every enabled extension declaring the trigger,
// strictly sequentially in ascending priority (ties keep registration
// order). Each extension sees the Context mutations of the ones before it.
// Gate or execution failures, including panics, never propagate: they
// become Result entries with Success false. The returned slice preserves
// execution order, successes and failures interleaved.
func (m *Manager) ExecuteByTrigger(ctx context.Context, trigger Trigger, ec *Context) []Result {
	selected := m.selectForTrigger(trigger)

	results := make([]Result, 0, len(selected))
	for _, ext := range selected {
		run, gateErr := m.gate(ctx, ext, ec)
		if gateErr != nil {
			results = append(results, Result{
				ExtensionID: ext.ID,
				Success:     false,
				Error:       gateErr.Error(),
			})
			continue
		}
		if !run {
			slog.Debug("Extension gated off", "id", ext.ID, "trigger", trigger)
			continue
		}
		results = append(results, m.run(ctx, ext, ec))
	}
	return results
}

// selectForTrigger snapshots the matching extensions under the lock so a
// dispatch never observes a half-applied registration.
func (m *Manager) selectForTrigger(trigger Trigger) []*Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var selected []*Config
	for _, id := range m.order {
		ext := m.exts[id]
		if ext.Enabled && ext.hasTrigger(trigger) {
			selected = append(selected, ext)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Priority < selected[j].Priority
	})
	return selected
}

// gate evaluates the optional ShouldExecute predicate. A panicking gate is
// a failure, distinct from a gate that answers false.
func (m *Manager) gate(ctx context.Context, ext *Config, ec *Context) (run bool, err error) {
	if ext.ShouldExecute == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Extension gate panicked", "id", ext.ID, "panic", r)
			run = false
			err = fmt.Errorf("gate panic: %v", r)
		}
	}()
	return ext.ShouldExecute(ctx, ec), nil
}

func (m *Manager) run(ctx context.Context, ext *Config, ec *Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Extension panicked", "id", ext.ID, "panic", r)
			res = Result{
				ExtensionID: ext.ID,
				Success:     false,
				Error:       fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	out, err := ext.Execute(ctx, ec)
	if err != nil {
		slog.Warn("Extension failed", "id", ext.ID, "error", err)
		return Result{
			ExtensionID: ext.ID,
			Success:     false,
			Error:       err.Error(),
		}
	}
	if out == nil {
		return Result{ExtensionID: ext.ID, Success: true}
	}
	res = *out
	res.ExtensionID = ext.ID
	return res
}

// Cleanup runs every registered Cleanup function, best-effort. Errors and
// panics are logged, never returned.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.RLock()
	ordered := make([]*Config, 0, len(m.order))
	for _, id := range m.order {
		ordered = append(ordered, m.exts[id])
	}
	m.mu.RUnlock()

	for _, ext := range ordered {
		if ext.Cleanup == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Extension cleanup panicked", "id", ext.ID, "panic", r)
				}
			}()
			if err := ext.Cleanup(ctx); err != nil {
				slog.Warn("Extension cleanup failed", "id", ext.ID, "error", err)
			}
		}()
	}
}

package extension

import (
	"context"

	"synapse/pkg/llm"
)

// Trigger names a lifecycle point at which registered extensions may run.
type Trigger string

const (
	// TriggerInitialization fires once per run, before the first round.
	TriggerInitialization Trigger = "initialization"
	// TriggerPreIteration fires before every reasoning round.
	TriggerPreIteration Trigger = "pre_iteration"
	// TriggerPreFinal fires once, just before the run finalizes.
	TriggerPreFinal Trigger = "pre_final_answer"
)

// ExecuteFunc performs the extension's work. It may mutate the shared
// Context (activating capabilities, stashing values) and return a Result
// carrying payload, usage figures and the rebuild flag. Returning a nil
// Result with a nil error counts as a bare success.
type ExecuteFunc func(ctx context.Context, ec *Context) (*Result, error)

// GateFunc decides whether the extension runs in this dispatch. A nil gate
// always runs.
type GateFunc func(ctx context.Context, ec *Context) bool

// CleanupFunc releases resources the extension holds. Best-effort.
type CleanupFunc func(ctx context.Context) error

// Config declares one extension as plain data: one required function and
// two optional ones. There is no interface to implement and no global
// registry to mutate; a Config is handed to a Manager instance.
type Config struct {
	ID       string
	Triggers []Trigger
	// Priority orders dispatch within a trigger; lower runs first.
	Priority int
	Enabled  bool

	Execute       ExecuteFunc
	ShouldExecute GateFunc
	Cleanup       CleanupFunc
}

func (c *Config) hasTrigger(t Trigger) bool {
	for _, own := range c.Triggers {
		if own == t {
			return true
		}
	}
	return false
}

// Result is the outcome of one extension execution. Failures never
// propagate past the Manager; they arrive here with Success false.
type Result struct {
	ExtensionID string     `json:"extension_id"`
	Success     bool       `json:"success"`
	Payload     any        `json:"payload,omitempty"`
	Usage       *llm.Usage `json:"usage,omitempty"`
	// RebuildPrompt asks the engine to rebuild the system message even if
	// no new capability was activated.
	RebuildPrompt bool   `json:"rebuild_prompt,omitempty"`
	Error         string `json:"error,omitempty"`
}

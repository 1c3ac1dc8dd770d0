package extension

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/pkg/capability"
	"synapse/pkg/config"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFragment(capability.Fragment{ID: "poet", Text: "Answer in verse."}))
	require.NoError(t, reg.RegisterFragment(capability.Fragment{ID: "terse", Text: "Keep it short."}))
	require.NoError(t, reg.RegisterToolType(capability.ToolType{ID: "web", Guidance: "Fetch pages."}))
	return NewContext(reg, &config.Config{}, config.DefaultSystemConfig())
}

func namedExt(id string, priority int, trigger Trigger, trace *[]string) Config {
	return Config{
		ID:       id,
		Triggers: []Trigger{trigger},
		Priority: priority,
		Enabled:  true,
		Execute: func(ctx context.Context, ec *Context) (*Result, error) {
			*trace = append(*trace, id)
			return nil, nil
		},
	}
}

func TestRegisterIdempotentByID(t *testing.T) {
	m := NewManager()
	var trace []string

	require.NoError(t, m.Register(namedExt("alpha", 10, TriggerPreIteration, &trace)))
	require.NoError(t, m.Register(namedExt("alpha", 99, TriggerPreIteration, &trace)))

	assert.Equal(t, []string{"alpha"}, m.IDs())

	// the second registration must not have replaced the first
	m.ExecuteByTrigger(context.Background(), TriggerPreIteration, testContext(t))
	assert.Equal(t, []string{"alpha"}, trace)
}

func TestRegisterRejectsInvalidConfig(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Register(Config{Execute: func(ctx context.Context, ec *Context) (*Result, error) { return nil, nil }}))
	assert.Error(t, m.Register(Config{ID: "no-exec"}))
}

func TestExecuteByTriggerPriorityOrder(t *testing.T) {
	m := NewManager()
	var trace []string

	require.NoError(t, m.Register(namedExt("slow", 50, TriggerInitialization, &trace)))
	require.NoError(t, m.Register(namedExt("fast", 10, TriggerInitialization, &trace)))

	results := m.ExecuteByTrigger(context.Background(), TriggerInitialization, testContext(t))

	assert.Equal(t, []string{"fast", "slow"}, trace)
	require.Len(t, results, 2)
	assert.Equal(t, "fast", results[0].ExtensionID)
	assert.Equal(t, "slow", results[1].ExtensionID)
}

func TestExecuteByTriggerTiesKeepRegistrationOrder(t *testing.T) {
	m := NewManager()
	var trace []string

	require.NoError(t, m.Register(namedExt("first", 20, TriggerPreFinal, &trace)))
	require.NoError(t, m.Register(namedExt("second", 20, TriggerPreFinal, &trace)))
	require.NoError(t, m.Register(namedExt("third", 20, TriggerPreFinal, &trace)))

	m.ExecuteByTrigger(context.Background(), TriggerPreFinal, testContext(t))
	assert.Equal(t, []string{"first", "second", "third"}, trace)
}

func TestExecuteByTriggerSelectsByTriggerAndEnabled(t *testing.T) {
	m := NewManager()
	var trace []string

	require.NoError(t, m.Register(namedExt("init-only", 1, TriggerInitialization, &trace)))
	require.NoError(t, m.Register(namedExt("round-only", 1, TriggerPreIteration, &trace)))

	disabled := namedExt("disabled", 1, TriggerPreIteration, &trace)
	disabled.Enabled = false
	require.NoError(t, m.Register(disabled))

	none := namedExt("no-triggers", 1, TriggerPreIteration, &trace)
	none.Triggers = nil
	none.ID = "no-triggers"
	require.NoError(t, m.Register(none))

	results := m.ExecuteByTrigger(context.Background(), TriggerPreIteration, testContext(t))
	assert.Equal(t, []string{"round-only"}, trace)
	require.Len(t, results, 1)
}

func TestExecuteByTriggerZeroExtensions(t *testing.T) {
	m := NewManager()
	results := m.ExecuteByTrigger(context.Background(), TriggerInitialization, testContext(t))
	assert.Empty(t, results)
}

func TestFailuresNeverPropagate(t *testing.T) {
	m := NewManager()
	var trace []string

	require.NoError(t, m.Register(Config{
		ID:       "panics",
		Triggers: []Trigger{TriggerPreIteration},
		Priority: 1,
		Enabled:  true,
		Execute: func(ctx context.Context, ec *Context) (*Result, error) {
			panic("boom")
		},
	}))
	require.NoError(t, m.Register(Config{
		ID:       "errors",
		Triggers: []Trigger{TriggerPreIteration},
		Priority: 2,
		Enabled:  true,
		Execute: func(ctx context.Context, ec *Context) (*Result, error) {
			return nil, errors.New("bad day")
		},
	}))
	require.NoError(t, m.Register(namedExt("survivor", 3, TriggerPreIteration, &trace)))

	results := m.ExecuteByTrigger(context.Background(), TriggerPreIteration, testContext(t))

	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "boom")
	assert.False(t, results[1].Success)
	assert.Equal(t, "bad day", results[1].Error)
	assert.True(t, results[2].Success)
	assert.Equal(t, []string{"survivor"}, trace)
}

func TestGateBehavior(t *testing.T) {
	m := NewManager()
	var trace []string

	gated := namedExt("gated-off", 1, TriggerInitialization, &trace)
	gated.ShouldExecute = func(ctx context.Context, ec *Context) bool { return false }
	require.NoError(t, m.Register(gated))

	panicking := namedExt("gate-panics", 2, TriggerInitialization, &trace)
	panicking.ShouldExecute = func(ctx context.Context, ec *Context) bool { panic("gate broke") }
	require.NoError(t, m.Register(panicking))

	open := namedExt("gate-open", 3, TriggerInitialization, &trace)
	open.ShouldExecute = func(ctx context.Context, ec *Context) bool { return true }
	require.NoError(t, m.Register(open))

	results := m.ExecuteByTrigger(context.Background(), TriggerInitialization, testContext(t))

	// gated-off never runs; the panicking gate fails; the open gate runs.
	require.Len(t, results, 2)
	assert.Equal(t, "gate-panics", results[0].ExtensionID)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "gate panic")
	assert.Equal(t, "gate-open", results[1].ExtensionID)
	assert.True(t, results[1].Success)
	assert.Equal(t, []string{"gate-open"}, trace)
}

func TestLaterExtensionSeesEarlierMutations(t *testing.T) {
	m := NewManager()
	var observed []string

	require.NoError(t, m.Register(Config{
		ID:       "activator",
		Triggers: []Trigger{TriggerInitialization},
		Priority: 1,
		Enabled:  true,
		Execute: func(ctx context.Context, ec *Context) (*Result, error) {
			ec.ActivateFragment("poet")
			return nil, nil
		},
	}))
	require.NoError(t, m.Register(Config{
		ID:       "observer",
		Triggers: []Trigger{TriggerInitialization},
		Priority: 2,
		Enabled:  true,
		Execute: func(ctx context.Context, ec *Context) (*Result, error) {
			observed = ec.ActivatedFragments()
			return nil, nil
		},
	}))

	m.ExecuteByTrigger(context.Background(), TriggerInitialization, testContext(t))
	assert.Equal(t, []string{"poet"}, observed)
}

func TestResultPassthrough(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(Config{
		ID:       "reporter",
		Triggers: []Trigger{TriggerInitialization},
		Enabled:  true,
		Execute: func(ctx context.Context, ec *Context) (*Result, error) {
			return &Result{
				Success:       true,
				Payload:       map[string]any{"found": 2},
				RebuildPrompt: true,
			}, nil
		},
	}))

	results := m.ExecuteByTrigger(context.Background(), TriggerInitialization, testContext(t))
	require.Len(t, results, 1)
	assert.Equal(t, "reporter", results[0].ExtensionID)
	assert.True(t, results[0].Success)
	assert.True(t, results[0].RebuildPrompt)
	assert.Equal(t, map[string]any{"found": 2}, results[0].Payload)
}

func TestCleanupBestEffort(t *testing.T) {
	m := NewManager()
	cleaned := make(map[string]bool)

	mk := func(id string, fn CleanupFunc) Config {
		return Config{
			ID:       id,
			Triggers: []Trigger{TriggerPreFinal},
			Enabled:  true,
			Execute:  func(ctx context.Context, ec *Context) (*Result, error) { return nil, nil },
			Cleanup:  fn,
		}
	}

	require.NoError(t, m.Register(mk("ok", func(ctx context.Context) error {
		cleaned["ok"] = true
		return nil
	})))
	require.NoError(t, m.Register(mk("fails", func(ctx context.Context) error {
		cleaned["fails"] = true
		return errors.New("leak")
	})))
	require.NoError(t, m.Register(mk("panics", func(ctx context.Context) error {
		cleaned["panics"] = true
		panic("cleanup boom")
	})))
	require.NoError(t, m.Register(mk("after-panic", func(ctx context.Context) error {
		cleaned["after-panic"] = true
		return nil
	})))

	m.Cleanup(context.Background())
	assert.Len(t, cleaned, 4)
}

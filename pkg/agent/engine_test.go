package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/pkg/api"
	"synapse/pkg/capability"
	"synapse/pkg/config"
	"synapse/pkg/extension"
	"synapse/pkg/llm"
)

//----------------------------------------------------------------
// Fixtures
//----------------------------------------------------------------

// scriptedModel plays one canned chunk sequence per model call and records
// the history each call was made with. Reading the records is safe once
// the event channel has closed.
type scriptedModel struct {
	rounds [][]llm.StreamChunk
	calls  int
	seen   [][]llm.Message
	binds  [][]llm.ToolDefinition
}

func (m *scriptedModel) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	cp := make([]llm.Message, len(messages))
	copy(cp, messages)
	m.seen = append(m.seen, cp)

	idx := m.calls
	m.calls++
	if idx >= len(m.rounds) {
		return nil, fmt.Errorf("unexpected model call %d", idx+1)
	}

	ch := make(chan llm.StreamChunk, len(m.rounds[idx]))
	for _, chunk := range m.rounds[idx] {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) BindTools(defs []llm.ToolDefinition) (llm.ChatModel, error) {
	m.binds = append(m.binds, defs)
	return m, nil
}

func (m *scriptedModel) IsTransientError(err error) bool { return false }

func toolCallRound(callID, name, argJSON string, usage *llm.Usage) []llm.StreamChunk {
	// Identity arrives first and arguments accumulate later, the way providers stream.
	return []llm.StreamChunk{
		{ToolCalls: []llm.ToolCall{{Index: 0, ID: callID, Name: name, Function: llm.FunctionCall{Name: name}}}},
		{ToolCalls: []llm.ToolCall{{Index: 0, Function: llm.FunctionCall{Arguments: argJSON}}}},
		llm.NewFinalChunk(llm.StopReasonToolCalls, usage),
	}
}

func textRound(usage *llm.Usage, parts ...string) []llm.StreamChunk {
	chunks := make([]llm.StreamChunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.NewTextChunk(p))
	}
	return append(chunks, llm.NewFinalChunk(llm.StopReasonStop, usage))
}

func testSysCfg() *config.SystemConfig {
	cfg := config.DefaultSystemConfig()
	cfg.MaxIterations = 10
	cfg.InternalChannelBuffer = 64
	return cfg
}

func newTestEngine(t *testing.T, model llm.ChatModel, tools []api.Tool, sysCfg *config.SystemConfig) *Engine {
	t.Helper()
	if sysCfg == nil {
		sysCfg = testSysCfg()
	}
	eng, err := NewEngine(model, nil, nil, nil, tools,
		&config.Config{SystemPrompt: "You are a test assistant."}, sysCfg)
	require.NoError(t, err)
	return eng
}

func collectEvents(t *testing.T, events <-chan api.StreamEvent) []api.StreamEvent {
	t.Helper()
	var out []api.StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("run did not finish in time")
		}
	}
}

func eventTypes(events []api.StreamEvent) []api.EventType {
	out := make([]api.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func eventsOfType(events []api.StreamEvent, et api.EventType) []api.StreamEvent {
	var out []api.StreamEvent
	for _, ev := range events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func roles(messages []llm.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Role)
	}
	return out
}

//----------------------------------------------------------------
// Full-run scenarios
//----------------------------------------------------------------

func TestRunTwoRoundToolScenario(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		toolCallRound("call_1", "lookup", `{"query":"go"}`,
			&llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}),
		textRound(&llm.Usage{PromptTokens: 20, CompletionTokens: 7, TotalTokens: 27},
			"The answer", " is 42."),
	}}
	lookup := &staticTool{name: "lookup", fn: func(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
		return api.NewTextResult("42"), nil
	}}

	eng := newTestEngine(t, model, []api.Tool{lookup}, nil)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("what is the answer?")}))

	require.Equal(t, []api.EventType{
		api.EventAction,
		api.EventObservation,
		api.EventFinalAnswer,
		api.EventFinalAnswer,
		api.EventFinalAnswer,
	}, eventTypes(events))

	action := events[0]
	assert.Equal(t, "lookup", action.Tool)
	assert.Equal(t, "call_1", action.ToolCallID)
	assert.Equal(t, map[string]any{"query": "go"}, action.Args)

	obs := events[1]
	assert.Equal(t, "lookup", obs.Tool)
	assert.Equal(t, "42", obs.Content)
	assert.False(t, obs.IsError)

	assert.Equal(t, "The answer", events[2].Content)
	assert.Equal(t, " is 42.", events[3].Content)

	terminal := events[4]
	assert.Empty(t, terminal.Content)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, 42, terminal.Usage.TotalTokens)

	// Second call sees the complete first round in order.
	require.Equal(t, 2, model.calls)
	round2 := model.seen[1]
	require.Equal(t, []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool}, roles(round2))

	assistant := round2[2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "lookup", assistant.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"query":"go"}`, assistant.ToolCalls[0].Function.Arguments)

	toolMsg := round2[3]
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "42", toolMsg.GetTextContent())
}

func TestRunTextOnlyFinalizesSameRound(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		textRound(&llm.Usage{TotalTokens: 9}, "Hello there."),
	}}

	eng := newTestEngine(t, model, nil, nil)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("hi")}))

	assert.Equal(t, 1, model.calls)
	require.Equal(t, []api.EventType{api.EventFinalAnswer, api.EventFinalAnswer}, eventTypes(events))
	assert.Equal(t, "Hello there.", events[0].Content)
	require.NotNil(t, events[1].Usage)
	assert.Equal(t, 9, events[1].Usage.TotalTokens)
}

func TestRunAbortEmitsSingleFinalAnswer(t *testing.T) {
	// Every round asks for another tool call; the bound has to stop it.
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		toolCallRound("call_1", "lookup", `{}`, &llm.Usage{TotalTokens: 2}),
		toolCallRound("call_2", "lookup", `{}`, &llm.Usage{TotalTokens: 2}),
		toolCallRound("call_3", "lookup", `{}`, &llm.Usage{TotalTokens: 2}),
	}}
	lookup := &staticTool{name: "lookup"}

	sysCfg := testSysCfg()
	sysCfg.MaxIterations = 3

	eng := newTestEngine(t, model, []api.Tool{lookup}, sysCfg)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("loop forever")}))

	assert.Equal(t, 3, model.calls)
	assert.Len(t, eventsOfType(events, api.EventAction), 3)
	assert.Len(t, eventsOfType(events, api.EventObservation), 3)

	finals := eventsOfType(events, api.EventFinalAnswer)
	require.Len(t, finals, 1)
	assert.Equal(t, "Maximum iterations reached. I could not complete the request.", finals[0].Content)
	require.NotNil(t, finals[0].Usage)
	assert.Equal(t, 6, finals[0].Usage.TotalTokens)

	// The abort answer is the last event of the run.
	assert.Equal(t, api.EventFinalAnswer, events[len(events)-1].Type)
}

func TestRunToolNotFound(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		toolCallRound("call_9", "missing", `{}`, nil),
		textRound(nil, "Done."),
	}}
	lookup := &staticTool{name: "lookup"}

	eng := newTestEngine(t, model, []api.Tool{lookup}, nil)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("use a ghost tool")}))

	obs := eventsOfType(events, api.EventObservation)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].IsError)
	assert.Contains(t, obs[0].Content, "unknown tool 'missing'")
	assert.Contains(t, obs[0].Content, "Available tools: lookup")

	// The model is told the same thing through the transcript.
	require.Equal(t, 2, model.calls)
	toolMsg := model.seen[1][3]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_9", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.GetTextContent(), "unknown tool 'missing'")

	// The run still finalizes normally.
	last := events[len(events)-1]
	assert.Equal(t, api.EventFinalAnswer, last.Type)
	assert.NotNil(t, last.Usage)
}

func TestRunSkipsToolCallWithoutID(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		{
			{ToolCalls: []llm.ToolCall{
				{Index: 0, Name: "ghost", Function: llm.FunctionCall{Name: "ghost", Arguments: `{}`}},
				{Index: 1, ID: "call_2", Name: "lookup", Function: llm.FunctionCall{Name: "lookup", Arguments: `{}`}},
			}},
			llm.NewFinalChunk(llm.StopReasonToolCalls, nil),
		},
		textRound(nil, "Done."),
	}}
	lookup := &staticTool{name: "lookup"}

	eng := newTestEngine(t, model, []api.Tool{lookup}, nil)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("go")}))

	actions := eventsOfType(events, api.EventAction)
	require.Len(t, actions, 1)
	assert.Equal(t, "lookup", actions[0].Tool)
	assert.Len(t, eventsOfType(events, api.EventObservation), 1)

	// Both calls are in the merged message, but only the identified one ran.
	round2 := model.seen[1]
	require.Equal(t, []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool}, roles(round2))
	assert.Len(t, round2[2].ToolCalls, 2)
	assert.Equal(t, "call_2", round2[3].ToolCallID)
}

func TestRunToolErrorBecomesErrorObservation(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		toolCallRound("call_1", "boom", `{}`, nil),
		textRound(nil, "Recovered."),
	}}
	boom := &staticTool{name: "boom", fn: func(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
		return nil, fmt.Errorf("kaput")
	}}

	eng := newTestEngine(t, model, []api.Tool{boom}, nil)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("try")}))

	obs := eventsOfType(events, api.EventObservation)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].IsError)
	assert.Equal(t, "Error: kaput", obs[0].Content)

	assert.Equal(t, api.EventFinalAnswer, events[len(events)-1].Type)
}

func TestRunToolPanicIsConfined(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		toolCallRound("call_1", "volatile", `{}`, nil),
		textRound(nil, "Recovered."),
	}}
	volatile := &staticTool{name: "volatile", fn: func(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
		panic("wild pointer")
	}}

	eng := newTestEngine(t, model, []api.Tool{volatile}, nil)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("try")}))

	obs := eventsOfType(events, api.EventObservation)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].IsError)
	assert.Contains(t, obs[0].Content, "panicked")

	// The panic still produced exactly one tool message.
	require.Equal(t, 2, model.calls)
	toolMsg := model.seen[1][3]
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.GetTextContent(), "panicked")

	assert.Equal(t, api.EventFinalAnswer, events[len(events)-1].Type)
}

// flakyModel fails its first StreamChat calls, then delegates to the script.
type flakyModel struct {
	scriptedModel
	failures int
}

func (m *flakyModel) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("bad gateway")
	}
	return m.scriptedModel.StreamChat(ctx, messages)
}

func TestRunStreamFailureConsumesRound(t *testing.T) {
	model := &flakyModel{
		scriptedModel: scriptedModel{rounds: [][]llm.StreamChunk{
			textRound(&llm.Usage{TotalTokens: 5}, "Recovered."),
		}},
		failures: 1,
	}

	eng := newTestEngine(t, model, nil, nil)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("hi")}))

	obs := eventsOfType(events, api.EventObservation)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].IsError)
	assert.Contains(t, obs[0].Content, "model request failed")

	finals := eventsOfType(events, api.EventFinalAnswer)
	require.Len(t, finals, 2) // the recovered text plus the terminal event
	assert.Equal(t, "Recovered.", finals[0].Content)
	require.NotNil(t, finals[1].Usage)
	assert.Equal(t, 5, finals[1].Usage.TotalTokens)
}

//----------------------------------------------------------------
// Extensions and capabilities inside a run
//----------------------------------------------------------------

func TestRunExtensionFailureDoesNotStopRun(t *testing.T) {
	mgr := extension.NewManager()
	require.NoError(t, mgr.Register(extension.Config{
		ID:       "bad",
		Triggers: []extension.Trigger{extension.TriggerInitialization},
		Enabled:  true,
		Execute: func(ctx context.Context, ec *extension.Context) (*extension.Result, error) {
			return nil, fmt.Errorf("detector offline")
		},
	}))
	require.NoError(t, mgr.Register(extension.Config{
		ID:       "spender",
		Triggers: []extension.Trigger{extension.TriggerInitialization},
		Enabled:  true,
		Execute: func(ctx context.Context, ec *extension.Context) (*extension.Result, error) {
			return &extension.Result{Success: true, Usage: &llm.Usage{TotalTokens: 3}}, nil
		},
	}))

	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		textRound(&llm.Usage{TotalTokens: 10}, "Fine anyway."),
	}}
	eng, err := NewEngine(model, mgr, nil, nil, nil,
		&config.Config{SystemPrompt: "base"}, testSysCfg())
	require.NoError(t, err)

	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("hi")}))

	finals := eventsOfType(events, api.EventFinalAnswer)
	require.Len(t, finals, 2)
	require.NotNil(t, finals[1].Usage)
	// Extension sub-call spend lands in the same ledger as the model round.
	assert.Equal(t, 13, finals[1].Usage.TotalTokens)
}

func TestRunActivationAppliesCapabilities(t *testing.T) {
	registry := capability.NewRegistry()
	require.NoError(t, registry.RegisterFragment(capability.Fragment{
		ID: "poet", Title: "Poet mode", Text: "Respond in verse.",
	}))
	require.NoError(t, registry.RegisterToolType(capability.ToolType{
		ID: "web", Guidance: "Prefer the lookup tool.",
	}))

	resolver := capability.NewStaticResolver()
	resolver.Bind("web", &staticTool{name: "lookup"})

	mgr := extension.NewManager()
	require.NoError(t, mgr.Register(extension.Config{
		ID:       "activator",
		Triggers: []extension.Trigger{extension.TriggerInitialization},
		Enabled:  true,
		Execute: func(ctx context.Context, ec *extension.Context) (*extension.Result, error) {
			ec.ActivateFragment("poet")
			ec.ActivateToolType("web")
			return &extension.Result{Success: true}, nil
		},
	}))

	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		textRound(nil, "A verse."),
	}}
	eng, err := NewEngine(model, mgr, registry, resolver, nil,
		&config.Config{SystemPrompt: "base persona"}, testSysCfg())
	require.NoError(t, err)

	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("write a poem about go")}))

	// Activation bound the resolved tools in one rebind.
	require.Len(t, model.binds, 1)
	require.Len(t, model.binds[0], 1)
	assert.Equal(t, "lookup", model.binds[0][0].Name)

	// The first model call already sees the rebuilt system slot.
	require.GreaterOrEqual(t, model.calls, 1)
	system := model.seen[0][0]
	require.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.GetTextContent(), "base persona")
	assert.Contains(t, system.GetTextContent(), "Respond in verse.")
	assert.Contains(t, system.GetTextContent(), "Prefer the lookup tool.")

	thoughts := eventsOfType(events, api.EventThought)
	require.Len(t, thoughts, 1)
	assert.Contains(t, thoughts[0].Content, "Activated capabilities")
	assert.Contains(t, thoughts[0].Content, "Poet mode")
	assert.Contains(t, thoughts[0].Content, "web")
}

func TestRunStuckDetectionRebuildsPrompt(t *testing.T) {
	repeat := func(callID string) []llm.StreamChunk {
		return []llm.StreamChunk{
			llm.NewTextChunk("Same."),
			{ToolCalls: []llm.ToolCall{{Index: 0, ID: callID, Name: "lookup",
				Function: llm.FunctionCall{Name: "lookup", Arguments: `{}`}}}},
			llm.NewFinalChunk(llm.StopReasonToolCalls, nil),
		}
	}
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		repeat("call_1"),
		repeat("call_2"),
		textRound(nil, "Broke the loop."),
	}}
	lookup := &staticTool{name: "lookup"}

	sysCfg := testSysCfg()
	sysCfg.StuckThreshold = 2

	eng := newTestEngine(t, model, []api.Tool{lookup}, sysCfg)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("hi")}))

	// Third round runs with the strategy notice in the system slot.
	require.Equal(t, 3, model.calls)
	assert.NotContains(t, model.seen[1][0].GetTextContent(), "Change strategy")
	assert.Contains(t, model.seen[2][0].GetTextContent(), "Change strategy")

	thoughts := eventsOfType(events, api.EventThought)
	require.Len(t, thoughts, 1)
	assert.Contains(t, thoughts[0].Content, "repeating")
}

func TestRunTruncatesLongObservations(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.StreamChunk{
		toolCallRound("call_1", "lookup", `{}`, nil),
		textRound(nil, "Done."),
	}}
	lookup := &staticTool{name: "lookup", fn: func(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
		return api.NewTextResult(strings.Repeat("x", 50)), nil
	}}

	sysCfg := testSysCfg()
	sysCfg.MaxObserveChars = 10

	eng := newTestEngine(t, model, []api.Tool{lookup}, sysCfg)
	events := collectEvents(t, eng.Run(context.Background(), []llm.Message{llm.NewUserMessage("hi")}))

	want := strings.Repeat("x", 10) + truncationMarker
	obs := eventsOfType(events, api.EventObservation)
	require.Len(t, obs, 1)
	assert.Equal(t, want, obs[0].Content)
	assert.Equal(t, want, model.seen[1][3].GetTextContent())
}

//----------------------------------------------------------------
// Construction
//----------------------------------------------------------------

func TestNewEngineRequiresModel(t *testing.T) {
	_, err := NewEngine(nil, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestNewEngineToolsDisabledSkipsBind(t *testing.T) {
	model := &bindableModel{bindErr: fmt.Errorf("tools unsupported")}

	sysCfg := testSysCfg()
	sysCfg.EnableTools = false

	_, err := NewEngine(model, nil, nil, nil, namedTools("clock"),
		&config.Config{}, sysCfg)
	require.NoError(t, err)
	assert.Empty(t, model.binds)
}

//----------------------------------------------------------------
// Helpers
//----------------------------------------------------------------

func TestParseToolArgs(t *testing.T) {
	args, err := parseToolArgs("")
	require.NoError(t, err)
	assert.NotNil(t, args)
	assert.Empty(t, args)

	args, err = parseToolArgs("  \n ")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = parseToolArgs(`{"city":"Taipei","days":3}`)
	require.NoError(t, err)
	assert.Equal(t, "Taipei", args["city"])
	assert.EqualValues(t, 3, args["days"])

	args, err = parseToolArgs("null")
	require.NoError(t, err)
	assert.NotNil(t, args)

	_, err = parseToolArgs(`{"broken":`)
	require.Error(t, err)
}

func TestTruncateObservation(t *testing.T) {
	assert.Equal(t, "short", truncateObservation("short", 10))
	assert.Equal(t, "unlimited", truncateObservation("unlimited", 0))

	got := truncateObservation(strings.Repeat("a", 20), 5)
	assert.Equal(t, "aaaaa"+truncationMarker, got)

	// Multi-byte text cuts on rune boundaries, never mid-character.
	got = truncateObservation(strings.Repeat("é", 8), 5)
	assert.Equal(t, strings.Repeat("é", 5)+truncationMarker, got)
}

func TestRenderToolResult(t *testing.T) {
	blocks, text := renderToolResult(nil)
	assert.Empty(t, blocks)
	assert.Equal(t, noOutputText, text)

	blocks, text = renderToolResult(&api.ToolResult{})
	assert.Empty(t, blocks)
	assert.Equal(t, noOutputText, text)

	blocks, text = renderToolResult(&api.ToolResult{Content: []api.ContentBlock{
		{Type: "text", Text: "line one"},
		{Type: "text", Text: "line two"},
	}})
	assert.Empty(t, blocks)
	assert.Equal(t, "line one\nline two", text)

	blocks, text = renderToolResult(&api.ToolResult{Content: []api.ContentBlock{
		{Type: "text", Text: "screenshot taken"},
		{Type: "image", Data: "aGVsbG8=", MimeType: "image/png"},
	}})
	require.Len(t, blocks, 1)
	assert.Equal(t, llm.BlockTypeImage, blocks[0].Type)
	assert.Equal(t, "image/png", blocks[0].Source.MediaType)
	assert.Contains(t, text, "screenshot taken")
	assert.Contains(t, text, "image attached: image/png")

	_, text = renderToolResult(&api.ToolResult{Content: []api.ContentBlock{
		{Type: "image", Data: "!!! not base64 !!!", MimeType: "image/png"},
	}})
	assert.Contains(t, text, "image discarded")
}

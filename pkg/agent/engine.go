package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"synapse/pkg/api"
	"synapse/pkg/capability"
	"synapse/pkg/config"
	"synapse/pkg/extension"
	"synapse/pkg/llm"
	"synapse/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// abortText is the fixed reply of a run that exhausts its iteration bound.
	abortText = "Maximum iterations reached. I could not complete the request."

	// noOutputText stands in for tools that produce an empty result, so the
	// model always has an observation to react to.
	noOutputText = "(No output)"

	// truncationMarker ends observations cut at MaxObserveChars.
	truncationMarker = "... (output truncated)"

	// stuckNotice joins the system message after repeated identical replies.
	stuckNotice = "You have produced the same reply several times in a row. " +
		"Change strategy: re-read the request, try different tools or arguments, " +
		"or state clearly why you cannot proceed."

	// toolNamePrefix is stripped from model-reported tool names; some
	// providers qualify names with a namespace.
	toolNamePrefix = "functions."
)

//----------------------------------------------------------------
// Engine - construction and run entry
//----------------------------------------------------------------

// Engine drives the reason/act loop. It holds no global state: every
// collaborator arrives through the constructor, and every run gets its own
// isolated state (ledger, extension context, binder view), so concurrent
// runs never share mutable data.
type Engine struct {
	proto    *Binder
	exts     *extension.Manager
	registry *capability.Registry
	resolver api.CapabilityResolver
	appCfg   *config.Config
	sysCfg   *config.SystemConfig
}

// NewEngine wires an engine. baseTools are the always-on tools bound to
// the model up front; a bind failure here is fatal because a model that
// rejects its base tool surface can never run. When EnableTools is off no
// tool surface is offered at all and every run is single-round.
func NewEngine(
	model llm.ChatModel,
	exts *extension.Manager,
	registry *capability.Registry,
	resolver api.CapabilityResolver,
	baseTools []api.Tool,
	appCfg *config.Config,
	sysCfg *config.SystemConfig,
) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("engine requires a model")
	}
	if exts == nil {
		exts = extension.NewManager()
	}
	if registry == nil {
		registry = capability.NewRegistry()
	}
	if appCfg == nil {
		appCfg = &config.Config{}
	}
	if sysCfg == nil {
		sysCfg = config.DefaultSystemConfig()
	}
	if !sysCfg.EnableTools {
		baseTools = nil
	}

	proto, err := NewBinder(model, baseTools)
	if err != nil {
		return nil, err
	}

	return &Engine{
		proto:    proto,
		exts:     exts,
		registry: registry,
		resolver: resolver,
		appCfg:   appCfg,
		sysCfg:   sysCfg,
	}, nil
}

// Run starts one reason/act run over the given history and returns its
// event stream. The channel is closed when the run ends; an unconsumed
// channel suspends the run at its next emission. Cancellation is honored
// at round boundaries and stream reads; context.Background() gives the
// classic run-to-completion behavior. Implements api.Runner.
func (e *Engine) Run(ctx context.Context, history []llm.Message) <-chan api.StreamEvent {
	buffer := e.sysCfg.InternalChannelBuffer
	if buffer < 0 {
		buffer = 0
	}
	events := make(chan api.StreamEvent, buffer)

	runID := utils.GenerateID()
	ctx = utils.WithRunID(ctx, runID)

	r := &run{
		engine:  e,
		id:      runID,
		events:  events,
		binder:  e.proto.Clone(),
		ec:      extension.NewContext(e.registry, e.appCfg, e.sysCfg),
		ledger:  NewLedger(),
		history: append(make([]llm.Message, 0, len(history)+8), history...),
	}

	go func() {
		defer close(events)
		r.loop(ctx)
	}()

	return events
}

//----------------------------------------------------------------
// run - per-run state and the loop itself
//----------------------------------------------------------------

// run is the exclusive state of one Run invocation, owned by the single
// run goroutine. Ownership, not locking, keeps it race-free.
type run struct {
	engine  *Engine
	id      string
	events  chan<- api.StreamEvent
	binder  *Binder
	ec      *extension.Context
	ledger  *Ledger
	history []llm.Message

	recentReplies []string
	stuckNotice   string
}

func (r *run) cfg() *config.SystemConfig { return r.engine.sysCfg }

func (r *run) loop(ctx context.Context) {
	start := time.Now()
	slog.InfoContext(ctx, "🔄 Run started", "messages", len(r.history), "tools", r.binder.Len())

	r.installSystemSlot()
	r.dispatch(ctx, extension.TriggerInitialization)

	maxIter := r.cfg().MaxIterations
	for iteration := 1; iteration <= maxIter; iteration++ {
		if ctx.Err() != nil {
			r.cancelled(ctx)
			return
		}
		slog.DebugContext(ctx, "Round started", "iteration", iteration)

		r.dispatch(ctx, extension.TriggerPreIteration)
		r.checkStuck(ctx)

		msg, err := r.generate(ctx)
		if ctx.Err() != nil {
			r.cancelled(ctx)
			return
		}
		if err != nil {
			// Recoverable: the round is consumed, nothing joins history.
			slog.ErrorContext(ctx, "❌ Model stream failed", "iteration", iteration, "error", err)
			r.emit(ctx, api.NewObservationEvent("", "", fmt.Sprintf("Error: model request failed: %v", err), true))
			continue
		}

		r.history = append(r.history, msg)
		r.noteReply(msg)

		if len(msg.ToolCalls) == 0 {
			r.finalize(ctx)
			slog.InfoContext(ctx, "✅ Run completed",
				"iterations", iteration,
				"duration", time.Since(start).Round(time.Millisecond),
				"total_tokens", r.ledger.Snapshot().TotalTokens)
			return
		}

		r.executeToolCalls(ctx, msg.ToolCalls)
	}

	r.abort(ctx, maxIter)
}

// installSystemSlot builds the system message from the base instructions
// plus everything currently activated and writes it into history slot 0.
// Slot 0 is the only mutable history position; all other history is
// append-only.
func (r *run) installSystemSlot() {
	prompt := BuildSystemPrompt(
		r.engine.appCfg.SystemPrompt,
		r.engine.registry,
		r.ec.ActivatedFragments(),
		r.ec.ActivatedToolTypes(),
		r.stuckNotice,
	)
	sys := llm.NewSystemMessage(prompt)
	if len(r.history) > 0 && r.history[0].Role == llm.RoleSystem {
		r.history[0] = sys
		return
	}
	r.history = append([]llm.Message{sys}, r.history...)
}

//----------------------------------------------------------------
// DETECT - extension dispatch and capability application
//----------------------------------------------------------------

// dispatch runs one extension pass and applies its effects: usage joins
// the ledger, newly activated tool types grow the bound tool set, and any
// capability change rebuilds the system slot and surfaces as one thought
// event. During the pre-final pass only usage is accounted; late
// activations stay recorded in the sets but are not applied.
func (r *run) dispatch(ctx context.Context, trigger extension.Trigger) {
	fragsBefore := len(r.ec.ActivatedFragments())
	typesBefore := len(r.ec.ActivatedToolTypes())

	r.ec.SetHistory(r.history)
	results := r.engine.exts.ExecuteByTrigger(ctx, trigger, r.ec)

	rebuild := false
	for _, res := range results {
		r.ledger.Add(res.Usage)
		if !res.Success {
			slog.WarnContext(ctx, "⚠️ Extension failed", "id", res.ExtensionID, "trigger", trigger, "error", res.Error)
			continue
		}
		if res.RebuildPrompt {
			rebuild = true
		}
	}

	newFrags := r.ec.ActivatedFragments()[fragsBefore:]
	newTypes := r.ec.ActivatedToolTypes()[typesBefore:]

	if trigger == extension.TriggerPreFinal {
		if len(newFrags)+len(newTypes) > 0 {
			slog.DebugContext(ctx, "Ignoring capability activation during finalization",
				"fragments", newFrags, "tool_types", newTypes)
		}
		return
	}

	if r.cfg().EnableTools {
		for _, typeID := range newTypes {
			r.bindToolType(ctx, typeID)
		}
	}

	if rebuild || len(newFrags)+len(newTypes) > 0 {
		r.installSystemSlot()
	}
	if len(newFrags)+len(newTypes) > 0 {
		r.emit(ctx, api.NewThoughtEvent(r.activationSummary(newFrags, newTypes)))
		slog.InfoContext(ctx, "📊 Capabilities activated", "trigger", trigger,
			"fragments", newFrags, "tool_types", newTypes)
	}
}

// bindToolType resolves and binds the tools of one newly activated type.
// A rebind failure keeps the previous set and the run continues.
func (r *run) bindToolType(ctx context.Context, typeID string) {
	if r.engine.resolver == nil {
		return
	}
	tools := r.engine.resolver.Resolve(typeID)
	if len(tools) == 0 {
		slog.DebugContext(ctx, "Tool type resolved to no tools", "tool_type", typeID)
		return
	}
	added, err := r.binder.AddAndRebind(tools)
	if err != nil {
		slog.ErrorContext(ctx, "❌ Tool rebind failed, keeping previous tool set",
			"tool_type", typeID, "error", err)
		return
	}
	if added > 0 {
		slog.InfoContext(ctx, "✅ Tools bound", "tool_type", typeID, "added", added, "total", r.binder.Len())
	}
}

func (r *run) activationSummary(frags, types []string) string {
	parts := make([]string, 0, len(frags)+len(types))
	for _, id := range frags {
		parts = append(parts, r.engine.registry.FragmentTitle(id))
	}
	parts = append(parts, types...)
	return "Activated capabilities: " + strings.Join(parts, ", ")
}

// noteReply records the round's visible reply text for stuck detection.
func (r *run) noteReply(msg llm.Message) {
	text := msg.GetTextContent()
	if text == "" {
		return
	}
	r.recentReplies = append(r.recentReplies, text)
	if keep := r.cfg().StuckThreshold; keep > 0 && len(r.recentReplies) > keep {
		r.recentReplies = r.recentReplies[len(r.recentReplies)-keep:]
	}
}

// checkStuck fires when the last StuckThreshold replies are identical: the
// system slot gains a strategy-change notice and one thought event goes
// out. Detection re-arms afterwards; the notice stays for the whole run.
func (r *run) checkStuck(ctx context.Context) {
	n := r.cfg().StuckThreshold
	if n <= 0 || len(r.recentReplies) < n {
		return
	}
	last := r.recentReplies[len(r.recentReplies)-1]
	for i := 2; i <= n; i++ {
		if r.recentReplies[len(r.recentReplies)-i] != last {
			return
		}
	}
	slog.WarnContext(ctx, "⚠️ Repeated identical replies, injecting strategy notice", "threshold", n)
	r.stuckNotice = stuckNotice
	r.recentReplies = nil
	r.installSystemSlot()
	r.emit(ctx, api.NewThoughtEvent("I notice I am repeating myself. Let me try a different approach."))
}

//----------------------------------------------------------------
// GENERATE - one streamed model call
//----------------------------------------------------------------

// generate streams one model call over the current history and assembles
// the chunks into the round's assistant message. Text deltas surface
// immediately as final_answer events, thinking deltas as thought events
// when enabled, mid-stream provider errors as error-flagged observations.
func (r *run) generate(ctx context.Context) (llm.Message, error) {
	genCtx := ctx
	if t := r.cfg().LLMTimeoutMs; t > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Millisecond)
		defer cancel()
	}

	stream, err := r.binder.Model().StreamChat(genCtx, r.history)
	if err != nil {
		return llm.Message{}, err
	}

	asm := llm.NewAssembler()
	for chunk := range stream {
		asm.Add(chunk)
		for _, block := range chunk.ContentBlocks {
			switch block.Type {
			case llm.BlockTypeText:
				if block.Text != "" {
					r.emit(ctx, api.NewFinalAnswerEvent(block.Text))
				}
			case llm.BlockTypeThinking:
				if r.cfg().ShowThinking && block.Text != "" {
					r.emit(ctx, api.NewThoughtEvent(block.Text))
				}
			case llm.BlockTypeError:
				r.emit(ctx, api.NewObservationEvent("", "", block.Text, true))
			}
		}
	}

	r.ledger.Add(asm.Usage())
	return asm.Message(), nil
}

//----------------------------------------------------------------
// EXECUTE_TOOLS - sequential tool dispatch
//----------------------------------------------------------------

// executeToolCalls runs the round's tool calls strictly in merged order.
// Later calls may depend on the side effects of earlier ones, so there is
// no concurrency here on purpose.
func (r *run) executeToolCalls(ctx context.Context, calls []llm.ToolCall) {
	for _, call := range calls {
		if ctx.Err() != nil {
			return
		}
		if call.ID == "" {
			slog.WarnContext(ctx, "⚠️ Skipping tool call without id", "tool", call.Function.Name)
			continue
		}
		r.invokeTool(ctx, call)
	}
}

// invokeTool executes one call and appends exactly one tool message for
// it, whatever happens inside the tool. Panics are confined to the call.
func (r *run) invokeTool(ctx context.Context, call llm.ToolCall) {
	name := strings.TrimPrefix(call.Function.Name, toolNamePrefix)
	args, argsErr := parseToolArgs(call.Function.Arguments)
	r.emit(ctx, api.NewActionEvent(name, call.ID, args))
	slog.InfoContext(ctx, "🔄 Executing tool", "tool", name, "call_id", call.ID)

	var extra []llm.ContentBlock
	var text string
	isError := true

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(ctx, "❌ Tool panicked", "tool", name, "panic", rec)
				text = fmt.Sprintf("Error: tool '%s' panicked: %v", name, rec)
				extra = nil
				isError = true
			}
		}()

		if argsErr != nil {
			text = fmt.Sprintf("Error: invalid arguments for tool '%s': %v", name, argsErr)
			return
		}
		tool, ok := r.binder.Lookup(name)
		if !ok {
			text = fmt.Sprintf("Error: unknown tool '%s'. Available tools: %s",
				name, strings.Join(r.binder.Names(), ", "))
			return
		}

		toolCtx := ctx
		if t := r.cfg().ToolTimeoutMs; t > 0 {
			var cancel context.CancelFunc
			toolCtx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Millisecond)
			defer cancel()
		}

		result, err := tool.Execute(toolCtx, args)
		if err != nil {
			slog.WarnContext(ctx, "⚠️ Tool failed", "tool", name, "error", err)
			text = fmt.Sprintf("Error: %v", err)
			return
		}
		extra, text = renderToolResult(result)
		isError = false
	}()

	text = truncateObservation(text, r.cfg().MaxObserveChars)

	msg := llm.NewToolMessage(call.ID, text)
	msg.ToolName = name
	for _, block := range extra {
		msg.AddContentBlock(block)
	}
	r.history = append(r.history, msg)
	r.emit(ctx, api.NewObservationEvent(name, call.ID, text, isError))
}

//----------------------------------------------------------------
// Terminal states
//----------------------------------------------------------------

// finalize dispatches the pre-final pass and emits the terminal event
// carrying the run's usage totals.
func (r *run) finalize(ctx context.Context) {
	r.dispatch(ctx, extension.TriggerPreFinal)
	snapshot := r.ledger.Snapshot()
	r.emit(ctx, api.NewRunCompleteEvent("", &snapshot))
}

// abort ends a run that exhausted its iteration bound. Soft failure: the
// caller sees one final answer with a fixed text, never an error.
func (r *run) abort(ctx context.Context, maxIter int) {
	slog.WarnContext(ctx, "⚠️ Iteration bound reached, aborting run", "max_iterations", maxIter)
	r.history = append(r.history, llm.NewAssistantMessage(abortText))
	snapshot := r.ledger.Snapshot()
	r.emit(ctx, api.NewRunCompleteEvent(abortText, &snapshot))
}

// cancelled ends a cancelled run. The terminal event is best-effort: the
// consumer may already be gone.
func (r *run) cancelled(ctx context.Context) {
	slog.WarnContext(ctx, "⚠️ Run cancelled", "error", ctx.Err())
	snapshot := r.ledger.Snapshot()
	select {
	case r.events <- api.NewRunCompleteEvent("", &snapshot):
	default:
	}
}

// emit delivers one event, suspending until the consumer keeps up or the
// run is cancelled.
func (r *run) emit(ctx context.Context, ev api.StreamEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

//----------------------------------------------------------------
// Helpers
//----------------------------------------------------------------

// parseToolArgs decodes the model-supplied argument JSON. An empty string
// is a valid zero-argument call.
func parseToolArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// renderToolResult flattens a tool result into observation text plus any
// image blocks to attach to the tool message. Text parts join with
// newlines; an empty result reads "(No output)" so the model always gets
// an observation to react to.
func renderToolResult(result *api.ToolResult) ([]llm.ContentBlock, string) {
	if result == nil {
		return nil, noOutputText
	}

	var texts []string
	var images []llm.ContentBlock
	for _, block := range result.Content {
		switch block.Type {
		case "image":
			data, err := base64.StdEncoding.DecodeString(block.Data)
			if err != nil {
				texts = append(texts, fmt.Sprintf("[image discarded: invalid base64: %v]", err))
				continue
			}
			images = append(images, llm.NewImageBlock(data, block.MimeType))
			texts = append(texts, fmt.Sprintf("[image attached: %s, %d bytes]", block.MimeType, len(data)))
		default:
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
	}

	text := strings.Join(texts, "\n")
	if text == "" {
		text = noOutputText
	}
	return images, text
}

// truncateObservation caps observation text, rune-safe. limit <= 0 leaves
// the text untouched.
func truncateObservation(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + truncationMarker
}

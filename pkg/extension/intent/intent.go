package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"synapse/pkg/extension"
	"synapse/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultID is the registration id of the detector.
const DefaultID = "intent_detection"

// transcriptWindow bounds how much conversation the classifier sees.
const transcriptWindow = 6

const classifierInstructions = "You classify conversations for an assistant. " +
	"Decide which of the listed capabilities the conversation needs right now. " +
	`Answer with one JSON object of the form {"fragments": [], "tool_types": []} ` +
	"listing only the needed ids. Use empty arrays when nothing applies. No prose."

// verdict is the JSON shape the classifier must answer with.
type verdict struct {
	Fragments []string `json:"fragments"`
	ToolTypes []string `json:"tool_types"`
}

// New builds the intent-detection extension: a sub-call to a (typically
// cheaper) model that decides which cataloged capabilities the conversation
// needs. Activations go through the run context so the engine applies them;
// the sub-call's usage is reported in the Result and lands in the run
// ledger. The gate skips the call once everything is activated.
func New(model llm.ChatModel, priority int) extension.Config {
	return extension.Config{
		ID: DefaultID,
		Triggers: []extension.Trigger{
			extension.TriggerInitialization,
			extension.TriggerPreIteration,
		},
		Priority: priority,
		Enabled:  true,
		ShouldExecute: func(ctx context.Context, ec *extension.Context) bool {
			frags, types := unactivated(ec)
			return len(frags)+len(types) > 0
		},
		Execute: func(ctx context.Context, ec *extension.Context) (*extension.Result, error) {
			return detect(ctx, model, ec)
		},
	}
}

// unactivated returns the catalog ids the run has not switched on yet.
func unactivated(ec *extension.Context) (frags, types []string) {
	reg := ec.Registry()

	active := make(map[string]bool)
	for _, id := range ec.ActivatedFragments() {
		active[id] = true
	}
	for _, id := range reg.FragmentIDs() {
		if !active[id] {
			frags = append(frags, id)
		}
	}

	activeTypes := make(map[string]bool)
	for _, id := range ec.ActivatedToolTypes() {
		activeTypes[id] = true
	}
	for _, id := range reg.ToolTypeIDs() {
		if !activeTypes[id] {
			types = append(types, id)
		}
	}
	return frags, types
}

func detect(ctx context.Context, model llm.ChatModel, ec *extension.Context) (*extension.Result, error) {
	frags, types := unactivated(ec)

	stream, err := model.StreamChat(ctx, []llm.Message{
		llm.NewSystemMessage(classifierInstructions),
		llm.NewUserMessage(buildPrompt(ec, frags, types)),
	})
	if err != nil {
		return nil, fmt.Errorf("intent detection call failed: %w", err)
	}

	asm := llm.NewAssembler()
	for chunk := range stream {
		asm.Add(chunk)
	}

	v, err := parseVerdict(asm.Text())
	if err != nil {
		return nil, fmt.Errorf("intent verdict unreadable: %w", err)
	}

	var activated []string
	for _, id := range v.Fragments {
		if ec.ActivateFragment(id) {
			activated = append(activated, id)
		}
	}
	for _, id := range v.ToolTypes {
		if ec.ActivateToolType(id) {
			activated = append(activated, id)
		}
	}

	if len(activated) > 0 {
		slog.InfoContext(ctx, "📊 Intent detected", "activated", activated)
	} else {
		slog.DebugContext(ctx, "Intent detection found nothing new")
	}

	return &extension.Result{
		Success:       true,
		Payload:       activated,
		Usage:         asm.Usage(),
		RebuildPrompt: len(activated) > 0,
	}, nil
}

// buildPrompt renders the classification request: recent conversation plus
// the not-yet-activated catalog.
func buildPrompt(ec *extension.Context, frags, types []string) string {
	reg := ec.Registry()
	var b strings.Builder

	b.WriteString("Conversation:\n")
	b.WriteString(ec.Transcript(transcriptWindow))

	b.WriteString("\n\nAvailable fragments:\n")
	if len(frags) == 0 {
		b.WriteString("(none)\n")
	}
	for _, id := range frags {
		fmt.Fprintf(&b, "- %s: %s\n", id, reg.FragmentTitle(id))
	}

	b.WriteString("\nAvailable tool types:\n")
	if len(types) == 0 {
		b.WriteString("(none)\n")
	}
	for _, id := range types {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	return b.String()
}

// parseVerdict tolerates prose or code fences around the JSON object;
// models do not always obey the no-prose instruction.
func parseVerdict(raw string) (*verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in %q", snippet(raw))
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func snippet(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

package api

import (
	"time"

	"synapse/pkg/llm"
	"synapse/pkg/utils"
)

// EventType classifies the caller-visible events of one run.
type EventType string

const (
	// EventThought carries reasoning surface: capability activations,
	// strategy notices, and (when enabled) model thinking deltas.
	EventThought EventType = "thought"
	// EventAction announces one tool invocation about to run.
	EventAction EventType = "action"
	// EventObservation carries one tool invocation's outcome.
	EventObservation EventType = "observation"
	// EventFinalAnswer carries user-facing answer text; the terminal
	// final_answer of a run additionally carries the usage snapshot.
	EventFinalAnswer EventType = "final_answer"
)

// StreamEvent is the only artifact that crosses the engine boundary.
// Persistence, rendering and metrics are all downstream consumers of the
// event sequence.
type StreamEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Content    string         `json:"content,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Usage      *llm.Usage     `json:"usage,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

func newEvent(t EventType) StreamEvent {
	return StreamEvent{
		ID:        utils.GenerateID(),
		Type:      t,
		Timestamp: time.Now().Unix(),
	}
}

// NewThoughtEvent builds a thought event.
func NewThoughtEvent(content string) StreamEvent {
	ev := newEvent(EventThought)
	ev.Content = content
	return ev
}

// NewActionEvent announces a tool invocation.
func NewActionEvent(tool, toolCallID string, args map[string]any) StreamEvent {
	ev := newEvent(EventAction)
	ev.Tool = tool
	ev.ToolCallID = toolCallID
	ev.Args = args
	return ev
}

// NewObservationEvent reports a tool invocation's outcome.
func NewObservationEvent(tool, toolCallID, content string, isError bool) StreamEvent {
	ev := newEvent(EventObservation)
	ev.Tool = tool
	ev.ToolCallID = toolCallID
	ev.Content = content
	ev.IsError = isError
	return ev
}

// NewFinalAnswerEvent carries a piece of user-facing answer text.
func NewFinalAnswerEvent(content string) StreamEvent {
	ev := newEvent(EventFinalAnswer)
	ev.Content = content
	return ev
}

// NewRunCompleteEvent builds the terminal final_answer with usage totals.
func NewRunCompleteEvent(content string, usage *llm.Usage) StreamEvent {
	ev := NewFinalAnswerEvent(content)
	ev.Usage = usage
	return ev
}

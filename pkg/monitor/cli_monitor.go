package monitor

import (
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"synapse/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	colorReset = "\033[0m"
	colorGray  = "\033[90m"
	colorCyan  = "\033[36m"
	colorRed   = "\033[31m"
)

// streamState tracks which kind of delta text is currently mid-line, so
// consecutive fragments join and a different event starts a fresh line.
type streamState int

const (
	streamIdle streamState = iota
	streamThought
	streamAnswer
)

// CLIRenderer writes the run's events to a terminal: answer text streams
// inline, thinking streams dimmed, and tool activity gets its own lines.
type CLIRenderer struct {
	writer io.Writer // The output destination, typically os.Stdout.
	state  streamState
}

// NewCLIRenderer creates a terminal renderer.
func NewCLIRenderer() *CLIRenderer {
	return &CLIRenderer{
		writer: os.Stdout,
	}
}

// Start prints the session header.
func (m *CLIRenderer) Start() error {
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	fmt.Fprintln(m.writer, "💬 Interactive session - type a message, Ctrl+D to exit")
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	return nil
}

// Stop terminates any open line.
func (m *CLIRenderer) Stop() error {
	m.breakLine()
	return nil
}

// OnEvent renders one event.
func (m *CLIRenderer) OnEvent(ev api.StreamEvent) {
	switch ev.Type {
	case api.EventThought:
		if m.state != streamThought {
			m.breakLine()
		}
		fmt.Fprintf(m.writer, "%s%s%s", colorGray, ev.Content, colorReset)
		m.state = streamThought

	case api.EventAction:
		m.breakLine()
		fmt.Fprintf(m.writer, "%s🔧 %s(%s)%s\n", colorCyan, ev.Tool, compactArgs(ev.Args), colorReset)

	case api.EventObservation:
		m.breakLine()
		if ev.IsError {
			fmt.Fprintf(m.writer, "%s❌ %s%s\n", colorRed, preview(ev.Content), colorReset)
		} else {
			fmt.Fprintf(m.writer, "%s↪ %s%s\n", colorGray, preview(ev.Content), colorReset)
		}

	case api.EventFinalAnswer:
		if ev.Content != "" {
			if m.state != streamAnswer {
				m.breakLine()
			}
			fmt.Fprint(m.writer, ev.Content)
			m.state = streamAnswer
		}
		// The terminal event carries the run's usage totals.
		if ev.Usage != nil {
			m.breakLine()
			fmt.Fprintf(m.writer, "%s📊 tokens: prompt=%d completion=%d total=%d%s\n",
				colorGray,
				ev.Usage.PromptTokens,
				ev.Usage.CompletionTokens,
				ev.Usage.TotalTokens,
				colorReset,
			)
		}
	}
}

// breakLine ends an in-progress delta line.
func (m *CLIRenderer) breakLine() {
	if m.state != streamIdle {
		fmt.Fprintln(m.writer)
		m.state = streamIdle
	}
}

// compactArgs renders a tool argument map as one short JSON object.
func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "..."
	}
	s := string(b)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

// preview reduces an observation to its first line, capped for display.
func preview(content string) string {
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[:i] + " ..."
	}
	if len(content) > 200 {
		content = content[:200] + "..."
	}
	return content
}

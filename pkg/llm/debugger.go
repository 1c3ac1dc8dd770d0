package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"synapse/pkg/utils"
)

// StreamDebugger dumps the raw provider events of one streamed call to a
// log file under debug/chunks/. It centralizes directory creation, file
// naming and safe writing so provider clients stay clean.
type StreamDebugger struct {
	file    *os.File
	enabled bool
}

// NewStreamDebugger opens a dump file for one streamed call. When the
// context carries a run id the file is nested under it so all calls of a
// run land together. Any setup failure downgrades to a disabled debugger.
func NewStreamDebugger(ctx context.Context, provider string, enabled bool) *StreamDebugger {
	if !enabled {
		return &StreamDebugger{enabled: false}
	}

	debugDir := filepath.Join("debug", "chunks", provider)
	if runID := utils.RunIDFrom(ctx); runID != "" {
		debugDir = filepath.Join("debug", "chunks", runID, provider)
	}

	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Error("Failed to create debug directory", "dir", debugDir, "error", err)
		return &StreamDebugger{enabled: false}
	}

	filename := filepath.Join(debugDir, fmt.Sprintf("%sstream.log", utils.GenerateTimestampPrefix()))

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open debug file", "file", filename, "error", err)
		return &StreamDebugger{enabled: false}
	}

	slog.Debug("Debug mode ON", "provider", provider, "file", filename)
	return &StreamDebugger{
		file:    f,
		enabled: true,
	}
}

// Enabled reports whether writes reach a file. Callers that must serialize
// data before writing can skip the work when disabled.
func (d *StreamDebugger) Enabled() bool {
	return d.enabled
}

// Write appends raw data to the debug file, followed by a newline.
func (d *StreamDebugger) Write(data []byte) {
	if !d.enabled || d.file == nil {
		return
	}
	if _, err := d.file.Write(data); err != nil {
		slog.Warn("Failed to write to debug file", "error", err)
	}
	d.file.WriteString("\n")
}

// WriteString appends a string to the debug file, followed by a newline.
func (d *StreamDebugger) WriteString(s string) {
	if !d.enabled || d.file == nil {
		return
	}
	if _, err := d.file.WriteString(s); err != nil {
		slog.Warn("Failed to write to debug file", "error", err)
	}
	d.file.WriteString("\n")
}

// Close closes the debug file handle.
func (d *StreamDebugger) Close() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}

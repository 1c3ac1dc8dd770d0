package tools

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"synapse/pkg/api"
	"synapse/pkg/llm"
)

type shellRequest struct {
	Command        string `mapstructure:"command"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (r shellRequest) Validate() error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

// Shell runs host commands with a working directory that persists across
// invocations, so consecutive calls behave like one terminal session. The
// platform-specific runner lives behind build tags.
type Shell struct {
	mu         sync.Mutex
	workingDir string
}

func NewShell() *Shell {
	cwd, _ := os.Getwd()
	return &Shell{workingDir: cwd}
}

// Tool wraps the shell as an api.Tool.
func (s *Shell) Tool() api.Tool {
	return NewAdapter(llm.ToolDefinition{
		Name: "shell",
		Description: fmt.Sprintf(
			"Runs a shell command on the host (%s) and returns its combined output. The working directory persists between calls.",
			runtime.GOOS),
		Parameters: map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command line to execute.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Hard cutoff for the command in seconds (default 60).",
			},
		},
		Required: []string{"command"},
	}, s.execute)
}

func (s *Shell) execute(ctx context.Context, req shellRequest) (*api.ToolResult, error) {
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	s.mu.Lock()
	dir := s.workingDir
	s.mu.Unlock()

	output, newDir, err := runShellCommand(runCtx, dir, req.Command)

	if newDir != "" && newDir != dir {
		s.mu.Lock()
		s.workingDir = newDir
		s.mu.Unlock()
	}

	if err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %ds", timeout)
		}
		// A non-zero exit with output is a normal observation; the model
		// reacts to stderr the same way a human reads a failed build.
		combined := strings.TrimSpace(output)
		if combined == "" {
			return nil, err
		}
		return api.NewTextResult(fmt.Sprintf("%s\n(exit: %v)", combined, err)), nil
	}
	return api.NewTextResult(strings.TrimRight(output, "\n")), nil
}

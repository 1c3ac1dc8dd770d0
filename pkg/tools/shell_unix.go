//go:build !windows

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// runShellCommand executes the command through bash. A trailing pwd tracks
// directory changes made by the command (cd and friends) so the session
// keeps its location; the marker line is stripped from the output.
func runShellCommand(ctx context.Context, dir, command string) (output, newDir string, err error) {
	full := fmt.Sprintf("cd %q && %s && pwd", dir, command)
	slog.InfoContext(ctx, "Executing command", "dir", dir, "command", command)

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", full)
	raw, err := cmd.CombinedOutput()
	output = string(raw)
	if err != nil {
		return output, "", err
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 0 {
		last := lines[len(lines)-1]
		if info, statErr := os.Stat(last); statErr == nil && info.IsDir() {
			return strings.Join(lines[:len(lines)-1], "\n"), last, nil
		}
	}
	return output, "", nil
}

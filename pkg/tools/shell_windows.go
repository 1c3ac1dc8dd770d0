//go:build windows

package tools

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var envVarPattern = regexp.MustCompile(`%([^%]+)%`)

// runShellCommand executes the command through PowerShell. Output encoding
// is forced to UTF-8 on both streams, %VAR% references are rewritten to
// $env:VAR, and a trailing location probe tracks directory changes so the
// session keeps its place; the probe line is stripped from the output.
func runShellCommand(ctx context.Context, dir, command string) (output, newDir string, err error) {
	expanded := envVarPattern.ReplaceAllString(command, `$$env:$1`)
	full := "[Console]::OutputEncoding = [System.Text.Encoding]::UTF8; " +
		"$OutputEncoding = [System.Text.Encoding]::UTF8; " +
		expanded +
		"; $ExecutionContext.SessionState.Path.CurrentLocation.Path"

	slog.InfoContext(ctx, "Executing command", "dir", dir, "command", command)

	cmd := exec.CommandContext(ctx, "powershell", "-Command", full)
	cmd.Dir = dir
	raw, err := cmd.CombinedOutput()
	output = string(raw)
	if err != nil {
		return output, "", err
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if info, statErr := os.Stat(last); statErr == nil && info.IsDir() {
			return strings.Join(lines[:len(lines)-1], "\n"), last, nil
		}
	}
	return output, "", nil
}

//go:build !windows

package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runShell(t *testing.T, s *Shell, args map[string]any) (string, error) {
	t.Helper()
	res, err := s.Tool().Execute(context.Background(), args)
	if err != nil {
		return "", err
	}
	require.Len(t, res.Content, 1)
	return res.Content[0].Text, nil
}

func TestShellEcho(t *testing.T) {
	text, err := runShell(t, NewShell(), map[string]any{"command": "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestShellSessionKeepsDirectory(t *testing.T) {
	sub := filepath.Join(t.TempDir(), "workdir")
	require.NoError(t, os.Mkdir(sub, 0o755))

	s := NewShell()
	_, err := runShell(t, s, map[string]any{"command": "cd " + sub})
	require.NoError(t, err)

	text, err := runShell(t, s, map[string]any{"command": "pwd"})
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(sub)
	got, _ := filepath.EvalSymlinks(text)
	assert.Equal(t, want, got)
}

func TestShellNonZeroExitWithOutputIsObservation(t *testing.T) {
	text, err := runShell(t, NewShell(), map[string]any{"command": "echo boom && false"})
	require.NoError(t, err)
	assert.Contains(t, text, "boom")
	assert.Contains(t, text, "(exit:")
}

func TestShellNonZeroExitWithoutOutputIsError(t *testing.T) {
	_, err := runShell(t, NewShell(), map[string]any{"command": "false"})
	require.Error(t, err)
}

func TestShellTimeout(t *testing.T) {
	_, err := runShell(t, NewShell(), map[string]any{
		"command":         "sleep 2",
		"timeout_seconds": float64(1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command timed out after 1s")
}

func TestShellRequiresCommand(t *testing.T) {
	_, err := runShell(t, NewShell(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

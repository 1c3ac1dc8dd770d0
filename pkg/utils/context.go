package utils

import "context"

type ctxKey string

// runIDKey carries the current run identifier through contexts so log lines
// and debug dumps produced anywhere in a run can be correlated.
const runIDKey ctxKey = "run_id"

// WithRunID stamps a run identifier onto the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFrom extracts the run identifier, or "" when none is set.
func RunIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(runIDKey).(string); ok {
		return val
	}
	return ""
}

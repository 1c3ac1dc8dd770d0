package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json handles all JSON in package llm, unified on json-iterator.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Usage is the provider-neutral accounting record for one model call.
// All fields are non-negative; absent figures stay zero.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	ThoughtsTokens   int     `json:"thoughts_tokens,omitempty"`
	CachedTokens     int     `json:"cached_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	PromptDetail     string  `json:"prompt_detail,omitempty"`
	CompletionDetail string  `json:"completion_detail,omitempty"`
	StopReason       string  `json:"stop_reason,omitempty"`
}

// Add accumulates another usage record into this one. Nil is a no-op.
// Detail strings are not combined; the receiver keeps its own.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.ThoughtsTokens += other.ThoughtsTokens
	u.CachedTokens += other.CachedTokens
	u.CostUSD += other.CostUSD
}

// LogUsage emits one debug line with the usage totals of a model call.
func LogUsage(ctx context.Context, model string, usage *Usage) {
	if usage == nil {
		return
	}
	slog.DebugContext(ctx, "📊 Usage",
		"model", model,
		"prompt", usage.PromptTokens,
		"completion", usage.CompletionTokens,
		"total", usage.TotalTokens,
		"thoughts", usage.ThoughtsTokens,
		"cached", usage.CachedTokens,
		"stop", usage.StopReason,
	)
}

// ChatModel is the provider-neutral model client.
//
// StreamChat runs one streamed completion over the given history. The
// returned channel delivers incremental chunks and is closed after the
// final chunk. Setup failures surface on the error return; mid-stream
// failures arrive as error content blocks followed by channel close.
type ChatModel interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error)

	// BindTools returns a handle of this model with the given tool set
	// attached to every subsequent StreamChat call. The receiver is not
	// modified. Models that cannot bind tools return an error.
	BindTools(defs []ToolDefinition) (ChatModel, error)

	// IsTransientError reports whether the error is worth retrying
	// (rate limits, overloaded backends).
	IsTransientError(err error) bool
}

// FallbackModel tries a ranked list of models until one accepts the call.
type FallbackModel struct {
	Models     []ChatModel
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackModel) StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	var lastErr error
	for i, model := range f.Models {
		if i > 0 {
			slog.WarnContext(ctx, "⚠️ Previous provider failed, trying fallback", "provider", i+1)
		}

		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				slog.InfoContext(ctx, "🔄 Retrying provider", "provider", i+1, "attempt", retry, "max", maxRetries)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}

			ch, err := model.StreamChat(ctx, messages)
			if err == nil {
				return ch, nil
			}

			lastErr = err

			if model.IsTransientError(err) && retry < maxRetries {
				slog.WarnContext(ctx, "❌ Provider failed with transient error, retrying", "provider", i+1, "error", err)
				continue
			}

			slog.ErrorContext(ctx, "❌ Provider failed", "provider", i+1, "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed, last error: %w", lastErr)
}

// BindTools binds every child that supports tools. Children that refuse
// the binding are dropped from the returned chain with a warning; an error
// is returned only when no child remains.
func (f *FallbackModel) BindTools(defs []ToolDefinition) (ChatModel, error) {
	bound := make([]ChatModel, 0, len(f.Models))
	var lastErr error
	for i, model := range f.Models {
		b, err := model.BindTools(defs)
		if err != nil {
			slog.Warn("⚠️ Provider does not support tool binding, dropping from chain", "provider", i+1, "error", err)
			lastErr = err
			continue
		}
		bound = append(bound, b)
	}
	if len(bound) == 0 {
		return nil, fmt.Errorf("no provider supports tool binding: %w", lastErr)
	}
	return &FallbackModel{
		Models:     bound,
		MaxRetries: f.MaxRetries,
		RetryDelay: f.RetryDelay,
	}, nil
}

// IsTransientError implements ChatModel. A FallbackModel error means every
// child already failed, so it is never treated as transient.
func (f *FallbackModel) IsTransientError(err error) bool {
	return false
}

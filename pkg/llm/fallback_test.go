package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel scripts StreamChat through a closure so each test controls
// the failure sequence precisely.
type fakeModel struct {
	stream    func(ctx context.Context) (<-chan StreamChunk, error)
	bindErr   error
	transient bool
	calls     int
	binds     int
}

func (m *fakeModel) StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	m.calls++
	return m.stream(ctx)
}

func (m *fakeModel) BindTools(defs []ToolDefinition) (ChatModel, error) {
	m.binds++
	if m.bindErr != nil {
		return nil, m.bindErr
	}
	return m, nil
}

func (m *fakeModel) IsTransientError(err error) bool { return m.transient }

func okStream(text string) func(ctx context.Context) (<-chan StreamChunk, error) {
	return func(ctx context.Context) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 2)
		ch <- NewTextChunk(text)
		ch <- NewFinalChunk(StopReasonStop, nil)
		close(ch)
		return ch, nil
	}
}

func failStream(err error) func(ctx context.Context) (<-chan StreamChunk, error) {
	return func(ctx context.Context) (<-chan StreamChunk, error) { return nil, err }
}

func drain(t *testing.T, ch <-chan StreamChunk) string {
	t.Helper()
	a := NewAssembler()
	for chunk := range ch {
		a.Add(chunk)
	}
	return a.Text()
}

func TestFallbackFirstProviderWins(t *testing.T) {
	first := &fakeModel{stream: okStream("from first")}
	second := &fakeModel{stream: okStream("from second")}
	f := &FallbackModel{Models: []ChatModel{first, second}}

	ch, err := f.StreamChat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "from first", drain(t, ch))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestFallbackMovesToNextProvider(t *testing.T) {
	first := &fakeModel{stream: failStream(fmt.Errorf("401 unauthorized"))}
	second := &fakeModel{stream: okStream("backup")}
	f := &FallbackModel{Models: []ChatModel{first, second}, MaxRetries: 3, RetryDelay: time.Millisecond}

	ch, err := f.StreamChat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "backup", drain(t, ch))

	// A non-transient failure moves on without burning the retry budget.
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestFallbackRetriesTransientErrors(t *testing.T) {
	m := &fakeModel{transient: true}
	attempts := 0
	m.stream = func(ctx context.Context) (<-chan StreamChunk, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("429 overloaded")
		}
		return okStream("third time lucky")(ctx)
	}
	f := &FallbackModel{Models: []ChatModel{m}, MaxRetries: 3, RetryDelay: time.Millisecond}

	ch, err := f.StreamChat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", drain(t, ch))
	assert.Equal(t, 3, m.calls)
}

func TestFallbackExhaustedRetriesReportLastError(t *testing.T) {
	firstErr := fmt.Errorf("429 overloaded")
	lastErr := fmt.Errorf("502 bad gateway")
	first := &fakeModel{transient: true, stream: failStream(firstErr)}
	second := &fakeModel{stream: failStream(lastErr)}
	f := &FallbackModel{Models: []ChatModel{first, second}, MaxRetries: 2, RetryDelay: time.Millisecond}

	_, err := f.StreamChat(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all fallback providers failed")
	assert.ErrorIs(t, err, lastErr)

	assert.Equal(t, 2, first.calls)
	assert.Equal(t, 1, second.calls)

	// The chain's own error is terminal, not worth retrying again.
	assert.False(t, f.IsTransientError(err))
}

func TestFallbackHonorsCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &fakeModel{transient: true, stream: failStream(fmt.Errorf("429 overloaded"))}
	f := &FallbackModel{Models: []ChatModel{m}, MaxRetries: 2, RetryDelay: time.Hour}

	_, err := f.StreamChat(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.calls)
}

func TestBindToolsDropsRefusingChildren(t *testing.T) {
	first := &fakeModel{stream: okStream("first")}
	second := &fakeModel{bindErr: fmt.Errorf("tools unsupported")}
	third := &fakeModel{stream: okStream("third")}
	f := &FallbackModel{
		Models:     []ChatModel{first, second, third},
		MaxRetries: 2,
		RetryDelay: 5 * time.Millisecond,
	}

	bound, err := f.BindTools([]ToolDefinition{{Name: "clock"}})
	require.NoError(t, err)

	chain, ok := bound.(*FallbackModel)
	require.True(t, ok)
	assert.Len(t, chain.Models, 2)
	assert.Equal(t, 2, chain.MaxRetries)
	assert.Equal(t, 5*time.Millisecond, chain.RetryDelay)
	assert.Equal(t, 1, second.binds)

	// The surviving chain still streams from its first child.
	ch, err := chain.StreamChat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "first", drain(t, ch))
}

func TestBindToolsFailsWhenNoChildRemains(t *testing.T) {
	bindErr := fmt.Errorf("tools unsupported")
	f := &FallbackModel{Models: []ChatModel{
		&fakeModel{bindErr: bindErr},
		&fakeModel{bindErr: bindErr},
	}}

	_, err := f.BindTools([]ToolDefinition{{Name: "clock"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider supports tool binding")
	assert.ErrorIs(t, err, bindErr)
}

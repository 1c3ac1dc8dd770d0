package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatHistoryWindowKeepsSystemMessage(t *testing.T) {
	h := NewChatHistory(3)
	h.Add(NewSystemMessage("base"))
	h.Add(NewUserMessage("one"))
	h.Add(NewAssistantMessage("two"))
	h.Add(NewUserMessage("three"))
	h.Add(NewAssistantMessage("four"))

	msgs := h.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "three", msgs[1].GetTextContent())
	assert.Equal(t, "four", msgs[2].GetTextContent())
}

func TestChatHistoryUnlimited(t *testing.T) {
	h := NewChatHistory(0)
	for i := 0; i < 50; i++ {
		h.Add(NewUserMessage("x"))
	}
	assert.Equal(t, 50, h.Len())

	h.Reset()
	assert.Equal(t, 0, h.Len())
}

func TestChatHistoryReturnsCopy(t *testing.T) {
	h := NewChatHistory(0)
	h.Add(NewUserMessage("original"))

	msgs := h.Messages()
	msgs[0] = NewUserMessage("replaced")

	assert.Equal(t, "original", h.Messages()[0].GetTextContent())
}

package llm

import (
	"encoding/base64"
	"time"

	"synapse/pkg/utils"
)

//----------------------------------------------------------------
// Message - provider-neutral conversation message
//----------------------------------------------------------------

// Message is one entry of a conversation transcript.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      string         `json:"role"`    // "user", "assistant", "system", "tool"
	Content   []ContentBlock `json:"content"` // ordered content blocks
	Timestamp int64          `json:"timestamp,omitempty"`

	// ToolCalls holds requests produced by the model (role: assistant only).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result message to the call it answers
	// (role: tool only).
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName names the tool that produced a tool-result message.
	// Some providers require it on the wire (role: tool only).
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Index keys partial payloads of the same call during stream assembly.
	// Providers number calls by output position within one response.
	Index int `json:"index"`

	Function FunctionCall `json:"function"`

	// Meta carries provider-specific metadata that must be echoed back on
	// the next request (e.g. Gemini thought signatures). Never serialized.
	Meta map[string]any `json:"-"`
}

// FunctionCall carries the concrete tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object as a string
}

//----------------------------------------------------------------
// ToolDefinition - declared tool surface offered to the model
//----------------------------------------------------------------

// ToolDefinition describes one tool in the wire-neutral form the binder
// hands to a provider. Parameters follow JSON-schema property shape.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Required    []string       `json:"required,omitempty"`
}

//----------------------------------------------------------------
// ContentBlock - unified content block
//----------------------------------------------------------------

// ContentBlock is one typed part of a message.
// Supported types: text, thinking, image, error.
type ContentBlock struct {
	Type string `json:"type"`

	// Text payload (type: "text" | "thinking" | "error")
	Text string `json:"text,omitempty"`

	// Image payload (type: "image")
	Source *ImageSource `json:"source,omitempty"`
}

//----------------------------------------------------------------
// ImageSource - image payload origin
//----------------------------------------------------------------

// ImageSource holds image bytes or a URL reference.
type ImageSource struct {
	Type      string `json:"type"`       // "base64" | "url"
	MediaType string `json:"media_type"` // "image/jpeg", "image/png", etc.
	Data      []byte `json:"-"`          // raw bytes, not serialized directly
	URL       string `json:"url,omitempty"`
}

// MarshalJSON encodes Data as base64 for base64-typed sources.
func (is *ImageSource) MarshalJSON() ([]byte, error) {
	if is.Type == "base64" && len(is.Data) > 0 {
		return []byte(`{"type":"base64","media_type":"` + is.MediaType + `","data":"` + base64.StdEncoding.EncodeToString(is.Data) + `"}`), nil
	}
	return []byte(`{"type":"` + is.Type + `","media_type":"` + is.MediaType + `","url":"` + is.URL + `"}`), nil
}

// UnmarshalJSON decodes a base64 "data" field back into Data.
func (is *ImageSource) UnmarshalJSON(data []byte) error {
	type Alias ImageSource
	aux := &struct {
		DataBase64 string `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(is),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.DataBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(aux.DataBase64)
		if err != nil {
			return err
		}
		is.Data = decoded
	}

	return nil
}

//----------------------------------------------------------------
// StreamChunk - incremental model output
//----------------------------------------------------------------

// StreamChunk is one incremental fragment of a streamed model response.
type StreamChunk struct {
	// Content blocks, delta form (only newly produced content).
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	// Tool-call payloads. A provider may report the same call (by Index)
	// multiple times; later payloads supersede earlier ones.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// IsFinal marks the last chunk of the stream.
	IsFinal bool `json:"is_final"`

	// FinishReason is set on the final chunk only.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage may appear on intermediate chunks; the final chunk always
	// carries the authoritative totals.
	Usage *Usage `json:"usage,omitempty"`
}

//----------------------------------------------------------------
// Helper Functions - Message
//----------------------------------------------------------------

// NewTextMessage builds a single-block text message.
func NewTextMessage(role, text string) Message {
	return Message{
		ID:   utils.GenerateID(),
		Role: role,
		Content: []ContentBlock{{
			Type: BlockTypeText,
			Text: text,
		}},
		Timestamp: time.Now().Unix(),
	}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(text string) Message {
	return NewTextMessage(RoleSystem, text)
}

// NewUserMessage builds a user message.
func NewUserMessage(text string) Message {
	return NewTextMessage(RoleUser, text)
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(text string) Message {
	return NewTextMessage(RoleAssistant, text)
}

// NewToolMessage builds a tool-result message answering the given call.
func NewToolMessage(toolCallID, text string) Message {
	m := NewTextMessage(RoleTool, text)
	m.ToolCallID = toolCallID
	return m
}

// AddContentBlock appends a content block to the message.
func (m *Message) AddContentBlock(block ContentBlock) {
	m.Content = append(m.Content, block)
}

// GetTextContent concatenates all text blocks (thinking excluded).
func (m *Message) GetTextContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == BlockTypeText {
			result += block.Text
		}
	}
	return result
}

// GetThinkingContent concatenates all thinking blocks.
func (m *Message) GetThinkingContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == BlockTypeThinking {
			result += block.Text
		}
	}
	return result
}

// FilterBlocks returns the blocks of the given type.
func (m *Message) FilterBlocks(blockType string) []ContentBlock {
	var filtered []ContentBlock
	for _, block := range m.Content {
		if block.Type == blockType {
			filtered = append(filtered, block)
		}
	}
	return filtered
}

// HasImages reports whether the message contains an image block.
func (m *Message) HasImages() bool {
	for _, block := range m.Content {
		if block.Type == BlockTypeImage {
			return true
		}
	}
	return false
}

//----------------------------------------------------------------
// Helper Functions - ContentBlock
//----------------------------------------------------------------

// NewTextBlock builds a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{
		Type: BlockTypeText,
		Text: text,
	}
}

// NewThinkingBlock builds a thinking block.
func NewThinkingBlock(text string) ContentBlock {
	return ContentBlock{
		Type: BlockTypeThinking,
		Text: text,
	}
}

// NewImageBlock builds an image block from raw bytes.
func NewImageBlock(data []byte, mimeType string) ContentBlock {
	return ContentBlock{
		Type: BlockTypeImage,
		Source: &ImageSource{
			Type:      "base64",
			MediaType: mimeType,
			Data:      data,
		},
	}
}

// NewImageBlockFromURL builds an image block referencing a URL.
func NewImageBlockFromURL(url, mimeType string) ContentBlock {
	return ContentBlock{
		Type: BlockTypeImage,
		Source: &ImageSource{
			Type:      "url",
			MediaType: mimeType,
			URL:       url,
		},
	}
}

//----------------------------------------------------------------
// Helper Functions - StreamChunk
//----------------------------------------------------------------

// NewTextChunk builds a text delta chunk.
func NewTextChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{{
			Type: BlockTypeText,
			Text: text,
		}},
	}
}

// NewThinkingChunk builds a thinking delta chunk.
func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{{
			Type: BlockTypeThinking,
			Text: text,
		}},
	}
}

// NewErrorChunk builds an error chunk surfaced mid-stream.
func NewErrorChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{{
			Type: BlockTypeError,
			Text: text,
		}},
	}
}

// NewFinalChunk builds the terminal chunk with usage totals.
func NewFinalChunk(reason string, usage *Usage) StreamChunk {
	return StreamChunk{
		IsFinal:      true,
		FinishReason: reason,
		Usage:        usage,
	}
}

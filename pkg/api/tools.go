package api

import (
	"context"

	"synapse/pkg/llm"
)

// Tool is any capability the engine can execute on the model's behalf.
// Definition supplies the metadata offered to the model; Execute performs
// the actual work.
type Tool interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolResult encapsulates the outcome of a tool execution.
// It can contain multiple content blocks (text logs, images) and
// arbitrary metadata for downstream consumers.
type ToolResult struct {
	Content []ContentBlock `json:"content"`           // Ordered blocks of result data
	Details map[string]any `json:"details,omitempty"` // Arbitrary technical metadata
}

// ContentBlock is an atomic data unit within a ToolResult, converted into
// llm.ContentBlocks when the result joins the transcript.
type ContentBlock struct {
	Type     string `json:"type"`                // Data format: "text" or "image"
	Text     string `json:"text,omitempty"`      // String content (for text type)
	Data     string `json:"data,omitempty"`      // Base64 encoded image data (for image type)
	MimeType string `json:"mime_type,omitempty"` // MIME type for image data (e.g., "image/jpeg")
}

// NewTextResult wraps plain text in a single-block result.
func NewTextResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

// CapabilityResolver maps an activated tool-type id to the tools currently
// available for it. Unknown or unconfigured ids resolve to an empty slice.
type CapabilityResolver interface {
	Resolve(toolTypeID string) []Tool
}

// FragmentLibrary composes the prompt text of the given fragment ids.
// Unknown ids are skipped; zero ids compose to "".
type FragmentLibrary interface {
	Compose(fragmentIDs []string) string
}

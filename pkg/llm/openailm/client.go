package openailm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"synapse/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a wrapper around the official OpenAI Go SDK (Responses API).
type Client struct {
	client       *openai.Client
	provider     string
	model        string
	debugEnabled bool
	options      map[string]any
	tools        []responses.ToolUnionParam
}

// NewClient creates a new OpenAI client.
func NewClient(provider string, apiKey string, model string, baseURL string, options map[string]any) (*Client, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)

	return &Client{
		client:   &client,
		provider: provider,
		model:    model,
		options:  options,
	}, nil
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

// BindTools returns a copy of the client that offers the given tools on
// every call. Conversion to the wire format happens once, here.
func (c *Client) BindTools(defs []llm.ToolDefinition) (llm.ChatModel, error) {
	clone := *c
	clone.tools = convertTools(defs)
	return &clone, nil
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Transient: network-level issues
	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	// Transient: server-side temporary failures
	if strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate limit") {
		return true
	}

	// Everything else (400 Bad Request, 401 Unauthorized, etc.) is non-transient
	return false
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, 100)

	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: c.convertMessages(messages),
		},
	}

	opts := []option.RequestOption{}

	// Handle unified "thinking_effort" option
	if effortStr, ok := c.options["thinking_effort"].(string); ok && effortStr != "" && effortStr != "off" {
		var effort shared.ReasoningEffort
		switch effortStr {
		case "low":
			effort = shared.ReasoningEffortLow
		case "medium":
			effort = shared.ReasoningEffortMedium
		case "high":
			effort = shared.ReasoningEffortHigh
		default:
			effort = shared.ReasoningEffortMedium
		}

		params.Reasoning = shared.ReasoningParam{
			Effort: effort,
		}
	}

	// Handle unified "temperature" option (optional)
	if t, ok := c.options["temperature"].(float64); ok {
		opts = append(opts, option.WithJSONSet("temperature", t))
	}

	// Handle unified "top_p" option (optional)
	if p, ok := c.options["top_p"].(float64); ok {
		opts = append(opts, option.WithJSONSet("top_p", p))
	}

	// Handle unified "max_tokens" option (mapped to max_completion_tokens for o1/newer models)
	if maxTok, ok := c.options["max_tokens"].(float64); ok {
		opts = append(opts, option.WithJSONSet("max_completion_tokens", int(maxTok)))
	}

	if len(c.tools) > 0 {
		params.Tools = c.tools
	}

	go func() {
		defer close(chunkCh)

		stream := c.client.Responses.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		var lastFinishReason string
		var lastUsage *llm.Usage

		// StreamDebugger handles file creation and lifecycle
		debugger := llm.NewStreamDebugger(ctx, c.provider, c.debugEnabled)
		defer debugger.Close()

		var thinkingLogBuffer string
		toolCalls := make(map[string]*llm.ToolCall)
		var toolCallOrder []string

		openCall := func(itemID string) *llm.ToolCall {
			tc, ok := toolCalls[itemID]
			if !ok {
				tc = &llm.ToolCall{ID: itemID}
				toolCalls[itemID] = tc
				toolCallOrder = append(toolCallOrder, itemID)
			}
			return tc
		}

		for stream.Next() {
			event := stream.Current()

			// Use reflection to get unexported 'raw' string from event.JSON
			// for debug logging and fallback thinking capture
			var raw string
			rv := reflect.ValueOf(event.JSON)
			if rv.Kind() == reflect.Struct {
				rt := rv.Type()
				for i := 0; i < rt.NumField(); i++ {
					if rt.Field(i).Name == "raw" {
						raw = rv.Field(i).String()
						break
					}
				}
			}

			if raw != "" {
				debugger.WriteString(raw)
			}

			// Fallback thinking capture from raw JSON (DeepSeek/GPT-5 legacy style)
			var rawChoice struct {
				Reasoning        string `json:"reasoning"`
				Thinking         string `json:"thinking"`
				ReasoningContent string `json:"reasoning_content"`
			}
			if raw != "" && json.Unmarshal([]byte(raw), &rawChoice) == nil {
				thought := rawChoice.Reasoning
				if thought == "" {
					thought = rawChoice.Thinking
				}
				if thought == "" {
					thought = rawChoice.ReasoningContent
				}
				if thought != "" {
					thinkingLogBuffer += thought
					chunkCh <- llm.NewThinkingChunk(thought)
				}
			}

			switch variant := event.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				chunkCh <- llm.NewTextChunk(variant.Delta)

			case responses.ResponseReasoningTextDeltaEvent:
				thinkingLogBuffer += variant.Delta
				chunkCh <- llm.NewThinkingChunk(variant.Delta)

			case responses.ResponseReasoningSummaryTextDeltaEvent:
				thinkingLogBuffer += variant.Delta
				chunkCh <- llm.NewThinkingChunk(variant.Delta)

			case responses.ResponseFunctionCallArgumentsDeltaEvent:
				tc := openCall(variant.ItemID)
				tc.Function.Arguments += variant.Delta

			case responses.ResponseFunctionCallArgumentsDoneEvent:
				tc := openCall(variant.ItemID)
				if variant.Name != "" {
					tc.Name = variant.Name
					tc.Function.Name = variant.Name
				}

			case responses.ResponseOutputItemAddedEvent:
				if variant.Item.Type == "function_call" {
					tc := openCall(variant.Item.ID)
					if variant.Item.Name != "" {
						tc.Name = variant.Item.Name
						tc.Function.Name = variant.Item.Name
					}
				}

			case responses.ResponseOutputItemDoneEvent:
				// Ensure name is captured even if late
				if variant.Item.Type == "function_call" {
					tc := openCall(variant.Item.ID)
					if variant.Item.Name != "" {
						tc.Name = variant.Item.Name
						tc.Function.Name = variant.Item.Name
					}
				}

			case responses.ResponseCompletedEvent:
				lastFinishReason = llm.StopReasonStop
				if variant.Response.Usage.TotalTokens > 0 {
					lastUsage = &llm.Usage{
						PromptTokens:     int(variant.Response.Usage.InputTokens),
						CompletionTokens: int(variant.Response.Usage.OutputTokens),
						TotalTokens:      int(variant.Response.Usage.TotalTokens),
						StopReason:       llm.StopReasonStop,
					}
				}

			case responses.ResponseFailedEvent:
				lastFinishReason = "failed"
				chunkCh <- llm.NewErrorChunk("API Response Failed")

			case responses.ResponseIncompleteEvent:
				lastFinishReason = llm.StopReasonLength
				chunkCh <- llm.NewErrorChunk("API Response Incomplete")

			case responses.ResponseErrorEvent:
				chunkCh <- llm.NewErrorChunk(fmt.Sprintf("API Error: %s", variant.Message))
			}
		}
		if strings.TrimSpace(thinkingLogBuffer) != "" {
			slog.Debug("Captured full thinking process", "provider", c.provider, "content", thinkingLogBuffer)
		}

		// Emit collected tool calls in output order; Index keys later assembly.
		if len(toolCallOrder) > 0 {
			found := make([]llm.ToolCall, 0, len(toolCallOrder))
			for i, itemID := range toolCallOrder {
				tc := toolCalls[itemID]
				tc.Index = i
				found = append(found, *tc)
			}
			chunkCh <- llm.StreamChunk{ToolCalls: found}
			if lastFinishReason == llm.StopReasonStop {
				lastFinishReason = llm.StopReasonToolCalls
			}
		}

		if err := stream.Err(); err != nil {
			chunkCh <- llm.NewErrorChunk(fmt.Sprintf("Stream error: %v", err))
		} else {
			reason := llm.StopReasonStop
			if lastFinishReason != "" {
				reason = normalizeStopReason(lastFinishReason)
			}
			chunkCh <- llm.NewFinalChunk(reason, lastUsage)
		}
	}()

	return chunkCh, nil
}

func (c *Client) convertMessages(messages []llm.Message) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(
				m.GetTextContent(),
				responses.EasyInputMessageRoleSystem,
			))
		case llm.RoleUser:
			if m.HasImages() {
				var contentParts responses.ResponseInputMessageContentListParam
				for _, block := range m.Content {
					switch block.Type {
					case llm.BlockTypeText:
						contentParts = append(contentParts, responses.ResponseInputContentUnionParam{
							OfInputText: &responses.ResponseInputTextParam{
								Text: block.Text,
							},
						})
					case llm.BlockTypeImage:
						if block.Source != nil {
							imgURL := block.Source.URL
							if block.Source.Type == "base64" {
								imgURL = fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, base64.StdEncoding.EncodeToString(block.Source.Data))
							}
							contentParts = append(contentParts, responses.ResponseInputContentUnionParam{
								OfInputImage: &responses.ResponseInputImageParam{
									Detail:   responses.ResponseInputImageDetailAuto,
									ImageURL: param.NewOpt(imgURL),
								},
							})
						}
					}
				}
				items = append(items, responses.ResponseInputItemParamOfMessage(
					contentParts,
					responses.EasyInputMessageRoleUser,
				))
			} else {
				items = append(items, responses.ResponseInputItemParamOfMessage(
					m.GetTextContent(),
					responses.EasyInputMessageRoleUser,
				))
			}
		case llm.RoleAssistant:
			// Text content
			if text := m.GetTextContent(); text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(
					text,
					responses.EasyInputMessageRoleAssistant,
				))
			}
			// Tool calls
			for _, tc := range m.ToolCalls {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(
					tc.Function.Arguments,
					tc.ID,
					tc.Name,
				))
			}
		case llm.RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(
				m.ToolCallID,
				m.GetTextContent(),
			))
		}
	}

	return items
}

func convertTools(defs []llm.ToolDefinition) []responses.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}

	tools := make([]responses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		params := map[string]any{
			"type":       "object",
			"properties": def.Parameters,
		}
		if len(def.Required) > 0 {
			params["required"] = def.Required
		}
		tools = append(tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return tools
}

// normalizeStopReason converts OpenAI-specific finish_reason to
// a standardized lowercase format.
func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop":
		return llm.StopReasonStop
	case "length", "max_tokens":
		return llm.StopReasonLength
	case "tool_calls", "function_call":
		return llm.StopReasonToolCalls
	default:
		return reason
	}
}

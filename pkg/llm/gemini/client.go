package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"

	"synapse/pkg/llm"
	"synapse/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GeminiClient Google Gemini API client
type GeminiClient struct {
	client       *genai.Client
	model        string
	useThought   bool
	debugEnabled bool
	tools        []*genai.Tool
}

// NewGeminiClient creates a Gemini client with a single model and API key
func NewGeminiClient(apiKey string, model string, useThought bool) (*GeminiClient, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:     client,
		model:      model,
		useThought: useThought,
	}, nil
}

func (g *GeminiClient) Provider() string {
	return "gemini"
}

func (g *GeminiClient) SetDebug(enabled bool) {
	g.debugEnabled = enabled
}

// BindTools returns a copy of the client carrying the converted tool set.
func (g *GeminiClient) BindTools(defs []llm.ToolDefinition) (llm.ChatModel, error) {
	tools, err := convertTools(defs)
	if err != nil {
		return nil, err
	}
	clone := *g
	clone.tools = tools
	return &clone, nil
}

// formatModality formats ModalityTokenCount array for logging
func formatModality(details []*genai.ModalityTokenCount) string {
	if len(details) == 0 {
		return "0"
	}
	var res []string
	for _, d := range details {
		res = append(res, fmt.Sprintf("%v: %d", d.Modality, d.TokenCount))
	}
	return strings.Join(res, " | ")
}

func (g *GeminiClient) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	apiMessages, systemInstruction := g.convertMessages(messages)

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	slog.DebugContext(ctx, "🌊 Streaming", "provider", "gemini", "model", g.model)

	go func() {
		defer close(chunkCh)

		// Build ThinkingConfig based on useThought flag
		var thinkingCfg *genai.ThinkingConfig
		if g.useThought {
			thinkingCfg = &genai.ThinkingConfig{
				IncludeThoughts: true,
			}
		}

		iter := g.client.Models.GenerateContentStream(ctx, g.model, apiMessages, &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			Tools:             g.tools,
			ThinkingConfig:    thinkingCfg,
		})

		debugger := llm.NewStreamDebugger(ctx, "gemini", g.debugEnabled)
		defer debugger.Close()

		started := false
		sawToolCalls := false
		toolCallIndex := 0
		var lastUsage *llm.Usage
		stopReason := llm.StopReasonStop

		for resp, err := range iter {
			if debugger.Enabled() && resp != nil {
				if jsonData, merr := json.Marshal(resp); merr == nil {
					debugger.Write(jsonData)
				}
			}
			if err != nil {
				// The iterator may deliver partial data alongside the error;
				// process it first and surface the error afterwards.
				if resp == nil {
					slog.ErrorContext(ctx, "❌ Gemini stream error", "error", err)
					if !started {
						started = true
						startResultCh <- err
					} else {
						chunkCh <- llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err))
					}
					break
				}
				slog.WarnContext(ctx, "⚠️ Gemini stream error with data", "error", err)
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			// Usage metadata usually rides the last chunk
			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.Usage{
					PromptTokens:     int(u.PromptTokenCount),
					PromptDetail:     formatModality(u.PromptTokensDetails),
					CompletionTokens: int(u.CandidatesTokenCount),
					CompletionDetail: formatModality(u.CandidatesTokensDetails),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" {
					stopReason = normalizeStopReason(string(candidate.FinishReason))
					if strings.Contains(string(candidate.FinishReason), "MAX_TOKENS") {
						chunkCh <- llm.NewErrorChunk("Response truncated due to max tokens limit. You might want to adjust your prompt or settings.")
					}
				}

				if candidate.Content == nil {
					continue
				}

				var blocks []llm.ContentBlock
				var toolCalls []llm.ToolCall

				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						if part.Thought {
							blocks = append(blocks, llm.NewThinkingBlock(part.Text))
						} else {
							blocks = append(blocks, llm.NewTextBlock(part.Text))
						}
					}

					if part.FunctionCall != nil {
						argsB, _ := json.Marshal(part.FunctionCall.Args)
						callID := part.FunctionCall.ID
						if callID == "" {
							// Gemini streams often omit call ids; synthesize one
							// so the call survives assembly and dispatch.
							callID = utils.GenerateID()
						}
						toolCalls = append(toolCalls, llm.ToolCall{
							ID:    callID,
							Name:  part.FunctionCall.Name,
							Index: toolCallIndex,
							Function: llm.FunctionCall{
								Name:      part.FunctionCall.Name,
								Arguments: string(argsB),
							},
							// Keep the original FunctionCall so the echo on the
							// next request preserves thought signatures.
							Meta: map[string]any{
								"gemini_function_call": part.FunctionCall,
							},
						})
						toolCallIndex++
						sawToolCalls = true
						slog.DebugContext(ctx, "🛠️ Tool call", "provider", "gemini", "name", part.FunctionCall.Name)
					}
				}

				if len(blocks) > 0 || len(toolCalls) > 0 {
					chunkCh <- llm.StreamChunk{
						ContentBlocks: blocks,
						ToolCalls:     toolCalls,
					}
				}
			}
		}

		if !started {
			// Clean but empty stream; release the caller.
			started = true
			startResultCh <- nil
		}

		if sawToolCalls && stopReason == llm.StopReasonStop {
			stopReason = llm.StopReasonToolCalls
		}
		if lastUsage != nil {
			lastUsage.StopReason = stopReason
			llm.LogUsage(ctx, g.model, lastUsage)
		}
		chunkCh <- llm.NewFinalChunk(stopReason, lastUsage)
	}()

	// Wait for the first chunk or an immediate setup error
	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// convertMessages converts message list to GenAI format
func (g *GeminiClient) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			var parts []*genai.Part
			for _, block := range msg.Content {
				if block.Type == llm.BlockTypeText && block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			}
			if len(parts) > 0 {
				systemInstruction = &genai.Content{Parts: parts}
			}
			continue
		}

		if msg.Role == llm.RoleTool {
			// Tool results ride the user role in Gemini
			name := msg.ToolName
			if name == "" {
				name = "tool"
			}
			genaiContents = append(genaiContents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{
					{
						FunctionResponse: &genai.FunctionResponse{
							Name:     name,
							Response: map[string]any{"result": msg.GetTextContent()},
						},
					},
				},
			})
			continue
		}

		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}

		var parts []*genai.Part
		// Gemini requires echoing earlier tool calls ahead of their results
		for _, tc := range msg.ToolCalls {
			if tc.Meta != nil {
				if originalFC, ok := tc.Meta["gemini_function_call"].(*genai.FunctionCall); ok {
					parts = append(parts, &genai.Part{
						FunctionCall: originalFC,
					})
					continue
				}
			}

			// Rebuild manually if original data is missing (may miss thought_signature)
			var args map[string]any
			json.Unmarshal([]byte(tc.Function.Arguments), &args)
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Function.Name,
					Args: args,
				},
			})
		}

		for _, block := range msg.Content {
			switch block.Type {
			case llm.BlockTypeText:
				if block.Text == "" {
					continue
				}
				parts = append(parts, &genai.Part{Text: block.Text})

			case llm.BlockTypeThinking:
				if block.Text == "" {
					continue
				}
				parts = append(parts, &genai.Part{
					Text:    block.Text,
					Thought: true,
				})

			case llm.BlockTypeImage:
				if block.Source != nil && len(block.Source.Data) > 0 {
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{
							MIMEType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				}
			}
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}

	return genaiContents, systemInstruction
}

func convertTools(defs []llm.ToolDefinition) ([]*genai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	fds := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		fd := &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
		}

		// Round-trip through JSON to build the SDK schema type.
		raw := map[string]any{
			"type":       "object",
			"properties": def.Parameters,
		}
		if len(def.Required) > 0 {
			raw["required"] = def.Required
		}
		schemaB, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		var schema genai.Schema
		if err := json.Unmarshal(schemaB, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		fd.Parameters = &schema
		fds = append(fds, fd)
	}

	return []*genai.Tool{{FunctionDeclarations: fds}}, nil
}

func normalizeStopReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP":
		return llm.StopReasonStop
	case "MAX_TOKENS", "FINISH_REASON_MAX_TOKENS":
		return llm.StopReasonLength
	default:
		return strings.ToLower(reason)
	}
}

// IsTransientError reports retry-worthy Gemini failures.
func (g *GeminiClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()

	// Google API common 503 Service Unavailable / Overloaded
	if strings.Contains(errMsg, "503") || strings.Contains(strings.ToLower(errMsg), "overloaded") {
		return true
	}

	// 429 Too Many Requests (Rate Limit)
	if strings.Contains(errMsg, "429") || strings.Contains(strings.ToLower(errMsg), "resource exhausted") {
		return true
	}

	// 500 Internal Error (Occasional Google Gemini crashes)
	if strings.Contains(errMsg, "500") || strings.Contains(strings.ToLower(errMsg), "internal error") {
		return true
	}

	return false
}

package llm

import (
	"sort"
	"time"

	"synapse/pkg/utils"
)

//----------------------------------------------------------------
// Assembler - merges a chunk stream into one assistant message
//----------------------------------------------------------------

// Assembler folds an ordered sequence of StreamChunks into one logical
// assistant message. Text deltas concatenate in arrival order; tool-call
// payloads merge by ToolCall.Index, where the last non-empty value for a
// field supersedes earlier partial payloads (providers may re-report a
// call with progressively complete data). The zero value is ready to use.
type Assembler struct {
	blocks       []ContentBlock
	calls        map[int]*ToolCall
	callOrder    []int
	usage        *Usage
	finishReason string
	textLen      int
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Add folds one chunk into the assembly.
func (a *Assembler) Add(chunk StreamChunk) {
	for _, block := range chunk.ContentBlocks {
		a.addBlock(block)
	}
	for _, tc := range chunk.ToolCalls {
		a.mergeCall(tc)
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
	}
}

// addBlock appends a block, coalescing consecutive text-bearing blocks of
// the same type so the merged message stays compact.
func (a *Assembler) addBlock(block ContentBlock) {
	if block.Type == BlockTypeText {
		a.textLen += len(block.Text)
	}
	if n := len(a.blocks); n > 0 && block.Source == nil && a.blocks[n-1].Type == block.Type {
		a.blocks[n-1].Text += block.Text
		return
	}
	a.blocks = append(a.blocks, block)
}

func (a *Assembler) mergeCall(tc ToolCall) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}
	existing, ok := a.calls[tc.Index]
	if !ok {
		call := tc
		a.calls[tc.Index] = &call
		a.callOrder = append(a.callOrder, tc.Index)
		return
	}
	if tc.ID != "" {
		existing.ID = tc.ID
	}
	if tc.Name != "" {
		existing.Name = tc.Name
	}
	if tc.Function.Name != "" {
		existing.Function.Name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		existing.Function.Arguments = tc.Function.Arguments
	}
	if tc.Meta != nil {
		existing.Meta = tc.Meta
	}
}

// Message returns the merged assistant message. Zero chunks assemble to an
// empty message with no tool calls.
func (a *Assembler) Message() Message {
	msg := Message{
		ID:        utils.GenerateID(),
		Role:      RoleAssistant,
		Content:   a.blocks,
		Timestamp: time.Now().Unix(),
	}
	if len(a.calls) > 0 {
		indexes := make([]int, len(a.callOrder))
		copy(indexes, a.callOrder)
		sort.Ints(indexes)
		msg.ToolCalls = make([]ToolCall, 0, len(indexes))
		for _, idx := range indexes {
			msg.ToolCalls = append(msg.ToolCalls, *a.calls[idx])
		}
	}
	return msg
}

// Text returns the concatenation of all text deltas seen so far.
func (a *Assembler) Text() string {
	var out string
	for _, block := range a.blocks {
		if block.Type == BlockTypeText {
			out += block.Text
		}
	}
	return out
}

// TextLen returns the total text length without building the string.
func (a *Assembler) TextLen() int {
	return a.textLen
}

// HasToolCalls reports whether any tool-call payload was seen.
func (a *Assembler) HasToolCalls() bool {
	return len(a.calls) > 0
}

// Usage returns the last usage record reported by the stream, or nil.
func (a *Assembler) Usage() *Usage {
	return a.usage
}

// FinishReason returns the normalized stop reason, or "".
func (a *Assembler) FinishReason() string {
	return a.finishReason
}

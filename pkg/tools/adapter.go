package tools

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"synapse/pkg/api"
	"synapse/pkg/llm"
)

// Validator lets a request type verify itself after decoding.
type Validator interface {
	Validate() error
}

// Executor runs one tool with an already-typed request.
type Executor[Req any] func(ctx context.Context, req Req) (*api.ToolResult, error)

// Adapter implements api.Tool over a typed executor. The model-supplied
// argument map is decoded into Req with mapstructure, validated when Req
// implements Validator, and handed over. Centralizing the decode here keeps
// every builtin tool a plain function on a plain struct.
type Adapter[Req any] struct {
	def      llm.ToolDefinition
	executor Executor[Req]
}

// NewAdapter wraps a typed executor as an api.Tool.
func NewAdapter[Req any](def llm.ToolDefinition, executor Executor[Req]) *Adapter[Req] {
	return &Adapter[Req]{def: def, executor: executor}
}

func (a *Adapter[Req]) Definition() llm.ToolDefinition {
	return a.def
}

func (a *Adapter[Req]) Execute(ctx context.Context, args map[string]any) (*api.ToolResult, error) {
	var req Req
	if err := mapstructure.Decode(args, &req); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if v, ok := any(req).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%s validation failed: %w", a.def.Name, err)
		}
	}
	return a.executor(ctx, req)
}

package tools

import (
	"context"
	"fmt"
	"time"

	"synapse/pkg/api"
	"synapse/pkg/llm"
)

type clockRequest struct {
	Timezone string `mapstructure:"timezone"`
}

// NewClock builds the clock tool. Models have no sense of "now"; this is
// the cheapest observation a run can make.
func NewClock() api.Tool {
	return NewAdapter(llm.ToolDefinition{
		Name:        "clock",
		Description: "Returns the current date and time. Use whenever the conversation needs to know what time it is now.",
		Parameters: map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. 'Asia/Taipei'. Defaults to the server's local zone.",
			},
		},
	}, executeClock)
}

func executeClock(ctx context.Context, req clockRequest) (*api.ToolResult, error) {
	now := time.Now()
	if req.Timezone != "" {
		loc, err := time.LoadLocation(req.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", req.Timezone)
		}
		now = now.In(loc)
	}
	return api.NewTextResult(now.Format("2006-01-02 15:04:05 MST (Monday)")), nil
}

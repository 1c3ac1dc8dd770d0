package api

import (
	"context"

	"synapse/pkg/llm"
)

// Runner drives one conversation turn to completion. The returned channel
// is the run's only artifact: an ordered event sequence, closed when the
// run ends. Consumers that stop reading stall the run at its next emission.
type Runner interface {
	Run(ctx context.Context, history []llm.Message) <-chan StreamEvent
}

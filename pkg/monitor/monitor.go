package monitor

import "synapse/pkg/api"

// Renderer turns the event stream of a run into user-visible output.
type Renderer interface {
	// Start prepares the output surface.
	Start() error

	// Stop flushes and releases the output surface.
	Stop() error

	// OnEvent renders one event. Events arrive in run order.
	OnEvent(ev api.StreamEvent)
}

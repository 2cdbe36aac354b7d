package audit

import (
	"context"
)

// Store persists security events.
// Interface owned by domain per hexagonal architecture.
// Implementations handle batching and durable writes.
type Store interface {
	// Append stores events. One JSON line per event, written atomically
	// per event.
	Append(ctx context.Context, events ...Event) error

	// Close flushes pending events and releases resources.
	Close() error
}

// Recorder accepts events for asynchronous recording. The data path calls
// Record on every security-relevant transition; implementations must never
// block frame processing, shedding load instead when saturated.
type Recorder interface {
	Record(event Event)
}

// NopRecorder discards every event. Used when auditing is disabled.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(Event) {}

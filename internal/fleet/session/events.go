package session

import (
	"encoding/json"

	"github.com/zjrosen/comfyfleet/internal/fleet/wire"
)

// EventType identifies the kind of session event.
type EventType string

const (
	// EventConnected fires on the first successful channel open.
	EventConnected EventType = "connected"
	// EventReconnected fires on any subsequent channel open.
	EventReconnected EventType = "reconnected"
	// EventDisconnected fires when the channel closes for any reason.
	EventDisconnected EventType = "disconnected"
	// EventReconnectionFailed fires after the reconnect loop exhausts its attempts.
	EventReconnectionFailed EventType = "reconnection_failed"
	// EventStatus carries queue depth, server-sent or synthesized by polling.
	EventStatus EventType = "status"
	// EventExecutionStart marks the server beginning a prompt.
	EventExecutionStart EventType = "execution_start"
	// EventExecutionCached lists nodes served from the server's output cache.
	EventExecutionCached EventType = "execution_cached"
	// EventExecuting reports the node currently executing (nil node = prompt done).
	EventExecuting EventType = "executing"
	// EventProgress reports intra-node progress.
	EventProgress EventType = "progress"
	// EventExecuted carries a finished node's outputs.
	EventExecuted EventType = "executed"
	// EventExecutionSuccess marks a prompt finishing cleanly.
	EventExecutionSuccess EventType = "execution_success"
	// EventExecutionError carries a prompt failure.
	EventExecutionError EventType = "execution_error"
	// EventPreview is a preview frame (legacy or raw binary kinds).
	EventPreview EventType = "preview"
	// EventPreviewMeta is a preview frame with structured metadata.
	EventPreviewMeta EventType = "preview_meta"
)

// Event is a single session event fanned out to subscribers.
// Which fields are set depends on Type.
type Event struct {
	Type      EventType
	SessionID string

	// QueueRemaining is set for EventStatus.
	QueueRemaining int

	// PromptID is set for all execution events.
	PromptID string

	// Node is set for EventExecuting; nil marks prompt completion.
	Node *string

	// Nodes is set for EventExecutionCached.
	Nodes []string

	// Value and Max are set for EventProgress, along with ProgressNode.
	Value        int
	Max          int
	ProgressNode string

	// OutputNode and Output are set for EventExecuted.
	OutputNode string
	Output     json.RawMessage

	// Err is set for EventExecutionError.
	Err *wire.ExecutionErrorData

	// Image, MIME and Metadata are set for preview events.
	Image    []byte
	MIME     string
	Metadata json.RawMessage
}

// IsTerminalFor reports whether this event ends the given prompt.
func (e Event) IsTerminalFor(promptID string) bool {
	if e.PromptID != promptID {
		return false
	}
	switch e.Type {
	case EventExecutionSuccess, EventExecutionError:
		return true
	case EventExecuting:
		return e.Node == nil
	default:
		return false
	}
}

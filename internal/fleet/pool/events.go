package pool

import (
	"encoding/json"
	"time"
)

// EventType identifies pool-level events.
type EventType string

const (
	// EventPoolReady fires once when the pool is constructed and wired.
	EventPoolReady EventType = "pool:ready"
	// EventPoolError reports a pool-internal fault (queue adapter errors,
	// dispatch failures) that is not attributable to one job.
	EventPoolError EventType = "pool:error"

	// EventJobQueued fires when a job enters the queue, including re-entry
	// after a retry.
	EventJobQueued EventType = "job:queued"
	// EventJobAccepted fires when a job is reserved and leased to a client.
	EventJobAccepted EventType = "job:accepted"
	// EventJobStarted fires once per job, on the first server event
	// carrying the job's prompt id.
	EventJobStarted EventType = "job:started"
	// EventJobProgress mirrors intra-node progress.
	EventJobProgress EventType = "job:progress"
	// EventJobPreview carries a preview image for the running job.
	EventJobPreview EventType = "job:preview"
	// EventJobPreviewMeta carries a preview image with metadata.
	EventJobPreviewMeta EventType = "job:preview_meta"
	// EventJobOutput fires when an output node's result arrives.
	EventJobOutput EventType = "job:output"
	// EventJobCompleted is terminal success.
	EventJobCompleted EventType = "job:completed"
	// EventJobFailed reports a failed attempt; WillRetry distinguishes a
	// scheduled retry from terminal failure.
	EventJobFailed EventType = "job:failed"
	// EventJobRetrying announces the retry delay before re-queueing.
	EventJobRetrying EventType = "job:retrying"
	// EventJobCancelled is terminal cancellation.
	EventJobCancelled EventType = "job:cancelled"

	// EventClientState mirrors manager online/busy transitions.
	EventClientState EventType = "client:state"
	// EventClientBlockedWorkflow mirrors the manager's blocked signal.
	EventClientBlockedWorkflow EventType = "client:blocked_workflow"
	// EventClientUnblockedWorkflow fires when a previously blocked
	// workflow fingerprint completes successfully somewhere.
	EventClientUnblockedWorkflow EventType = "client:unblocked_workflow"
)

// Event is one pool notification. Which fields are set depends on Type.
type Event struct {
	Type  EventType
	JobID string

	ClientID    string
	PromptID    string
	Fingerprint string

	// Node, Value and Max are set for progress events.
	Node  string
	Value int
	Max   int

	// Image, MIME, Metadata are set for preview events.
	Image    []byte
	MIME     string
	Metadata json.RawMessage

	// OutputNode and Output are set for job:output.
	OutputNode string
	Output     json.RawMessage

	// Result is set for job:completed.
	Result map[string]any

	// Err is set for job:failed and pool:error.
	Err error
	// WillRetry is set alongside job:failed.
	WillRetry bool
	// RetryDelay is set for job:retrying.
	RetryDelay time.Duration

	// Online and Busy are set for client:state.
	Online bool
	Busy   bool
}

// Package wire defines the ComfyUI event-channel protocol: JSON message
// envelopes and the binary preview/text frame codec.
package wire

import "encoding/json"

// Message type strings sent by the server on the event channel.
const (
	TypeStatus           = "status"
	TypeExecutionStart   = "execution_start"
	TypeExecutionCached  = "execution_cached"
	TypeExecuting        = "executing"
	TypeProgress         = "progress"
	TypeExecuted         = "executed"
	TypeExecutionSuccess = "execution_success"
	TypeExecutionError   = "execution_error"
	TypeFeatureFlags     = "feature_flags"
)

// Envelope is the outer shape of every JSON message on the event channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatusData carries queue depth and, optionally, a server-assigned
// client id (sid). Any message may update the local client id via sid.
type StatusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

// ExecutionStartData marks the server beginning a prompt.
type ExecutionStartData struct {
	PromptID string `json:"prompt_id"`
}

// ExecutionCachedData lists nodes whose outputs were served from cache.
type ExecutionCachedData struct {
	PromptID string   `json:"prompt_id"`
	Nodes    []string `json:"nodes"`
}

// ExecutingData reports the node currently executing.
// A nil Node marks prompt completion.
type ExecutingData struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

// ProgressData reports intra-node progress.
type ProgressData struct {
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
	Value    int    `json:"value"`
	Max      int    `json:"max"`
}

// ExecutedData carries a finished node's outputs.
type ExecutedData struct {
	PromptID string          `json:"prompt_id"`
	Node     string          `json:"node"`
	Output   json.RawMessage `json:"output"`
}

// ExecutionSuccessData marks a prompt finishing cleanly.
type ExecutionSuccessData struct {
	PromptID string `json:"prompt_id"`
}

// ExecutionErrorData carries a prompt failure.
type ExecutionErrorData struct {
	PromptID         string   `json:"prompt_id"`
	NodeID           string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`
}

// FeatureFlags is the client capability announcement sent on channel open.
type FeatureFlags struct {
	SupportsPreviewMetadata bool  `json:"supports_preview_metadata"`
	MaxUploadSize           int64 `json:"max_upload_size"`
}

// FeatureFlagsMessage wraps FeatureFlags in the envelope shape for sending.
type FeatureFlagsMessage struct {
	Type string       `json:"type"`
	Data FeatureFlags `json:"data"`
}

// NewFeatureFlagsMessage builds the announcement message.
func NewFeatureFlagsMessage(flags FeatureFlags) FeatureFlagsMessage {
	return FeatureFlagsMessage{Type: TypeFeatureFlags, Data: flags}
}

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	ClientID  string          `json:"client_id"`
	Prompt    json.RawMessage `json:"prompt"`
	ExtraData map[string]any  `json:"extra_data,omitempty"`
	Front     bool            `json:"front,omitempty"`
	Number    *int            `json:"number,omitempty"`
}

// PromptResponse is the 200 body of POST /prompt.
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// QueueStatus is the GET /prompt probe response.
type QueueStatus struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// QueueSnapshot is the GET /queue response.
type QueueSnapshot struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

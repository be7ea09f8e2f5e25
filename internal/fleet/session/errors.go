package session

import (
	"encoding/json"
	"fmt"
)

// maxBodySnippet bounds how much of a failed response body is retained.
const maxBodySnippet = 500

// EnqueueError is returned when POST /prompt comes back non-200.
// It preserves enough of the response for failover classification.
type EnqueueError struct {
	StatusCode int
	Status     string
	URL        string
	Method     string

	// Body is the parsed JSON body, when the response was JSON.
	Body json.RawMessage

	// Snippet is the first 500 bytes of the body text, when it was not JSON.
	Snippet string

	// Reason is the best human-readable cause extracted from the body
	// (error / message / detail / first of errors[]).
	Reason string
}

func (e *EnqueueError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("enqueue failed: %s (%d %s)", e.Reason, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("enqueue failed: %d %s", e.StatusCode, e.Status)
}

// extractReason pulls a failure cause out of a decoded JSON error body.
// ComfyUI variously reports error, message, detail, or errors[].
func extractReason(body map[string]any) string {
	for _, key := range []string{"error", "message", "detail"} {
		switch v := body[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			// {"error": {"message": "...", "details": "..."}}
			if msg, ok := v["message"].(string); ok && msg != "" {
				if details, ok := v["details"].(string); ok && details != "" {
					return msg + ": " + details
				}
				return msg
			}
		}
	}
	if errs, ok := body["errors"].([]any); ok && len(errs) > 0 {
		switch first := errs[0].(type) {
		case string:
			return first
		case map[string]any:
			if msg, ok := first["message"].(string); ok {
				return msg
			}
		}
	}
	return ""
}

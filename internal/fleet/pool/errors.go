package pool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/comfyfleet/internal/fleet/session"
	"github.com/zjrosen/comfyfleet/internal/fleet/wire"
)

// failureKind buckets attempt failures for the retry decision.
type failureKind string

const (
	// kindIncompatible means the client cannot run this workflow (missing
	// checkpoint, LoRA, custom node). Retryable elsewhere; the client is
	// excluded for this job and the strategy records the block.
	kindIncompatible failureKind = "workflow_incompatible"
	// kindTransient is an environmental execution failure (OOM, CUDA
	// fault). Retryable anywhere, including the same client.
	kindTransient failureKind = "transient"
	// kindValidation means the workflow itself is invalid. Terminal.
	kindValidation failureKind = "validation"
	// kindStartTimeout is the execution-start supervisor firing. Retryable.
	kindStartTimeout failureKind = "execution_start_timeout"
	// kindNodeTimeout is the node-execution supervisor firing. Retryable.
	kindNodeTimeout failureKind = "node_execution_timeout"
	// kindCancelled is caller cancellation. Terminal, not a failure for
	// retry accounting.
	kindCancelled failureKind = "cancelled"
)

// ExecError wraps a server execution_error event as a Go error.
type ExecError struct {
	Data wire.ExecutionErrorData
}

func (e *ExecError) Error() string {
	if e.Data.NodeID != "" {
		return fmt.Sprintf("execution error on node %s (%s): %s: %s",
			e.Data.NodeID, e.Data.NodeType, e.Data.ExceptionType, e.Data.ExceptionMessage)
	}
	return fmt.Sprintf("execution error: %s: %s", e.Data.ExceptionType, e.Data.ExceptionMessage)
}

// timeoutError marks a supervisor expiry.
type timeoutError struct {
	kind failureKind
	node string
}

func (e *timeoutError) Error() string {
	if e.kind == kindNodeTimeout {
		return fmt.Sprintf("node execution timeout on node %s", e.node)
	}
	return "execution failed to start in time"
}

// errCancelled is the terminal cancellation sentinel.
var errCancelled = errors.New("job cancelled")

// NotSupportedError is synthesized when every attempt failed because no
// client could run the workflow; it carries the per-client reasons.
type NotSupportedError struct {
	Reasons map[string]string
}

func (e *NotSupportedError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for client, reason := range e.Reasons {
		parts = append(parts, client+": "+reason)
	}
	return "workflow not supported by any client (" + strings.Join(parts, "; ") + ")"
}

// classified is the verdict on one attempt failure.
type classified struct {
	kind failureKind
	err  error
	// retryable: may another attempt run at all.
	retryable bool
	// blockClient: should the strategy record this against the pair.
	blockClient bool
	// excludeClient: should the client join the job's exclusion list.
	excludeClient bool
}

// incompatibleMarkers are message fragments indicating the client lacks a
// resource the workflow needs.
var incompatibleMarkers = []string{
	"checkpoint",
	"ckpt",
	"lora",
	"not in list",
	"model not found",
	"does not exist",
	"unknown node",
	"node type",
	"custom node",
	"missing node",
	"invalid model",
}

// transientMarkers are message fragments indicating an environmental
// fault worth retrying anywhere.
var transientMarkers = []string{
	"out of memory",
	"oom",
	"cuda",
	"device-side assert",
	"allocation",
	"connection reset",
	"timed out",
}

func matchesAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classify maps an attempt error to its failure kind and the decisions
// that follow from it.
func classify(err error) classified {
	if errors.Is(err, errCancelled) {
		return classified{kind: kindCancelled, err: err}
	}

	var te *timeoutError
	if errors.As(err, &te) {
		return classified{kind: te.kind, err: err, retryable: true}
	}

	var ee *session.EnqueueError
	if errors.As(err, &ee) {
		if matchesAny(ee.Reason, incompatibleMarkers) {
			return classified{
				kind: kindIncompatible, err: err,
				retryable: true, blockClient: true, excludeClient: true,
			}
		}
		if ee.StatusCode >= 400 && ee.StatusCode < 500 {
			// The server rejected the workflow itself.
			return classified{kind: kindValidation, err: err}
		}
		return classified{kind: kindTransient, err: err, retryable: true}
	}

	var xe *ExecError
	if errors.As(err, &xe) {
		msg := xe.Data.ExceptionType + " " + xe.Data.ExceptionMessage
		switch {
		case matchesAny(msg, incompatibleMarkers):
			return classified{
				kind: kindIncompatible, err: err,
				retryable: true, blockClient: true, excludeClient: true,
			}
		case matchesAny(msg, transientMarkers):
			return classified{kind: kindTransient, err: err, retryable: true}
		default:
			// Unrecognized execution errors are treated as workflow
			// validation failures: retrying the same graph elsewhere
			// reproduces them.
			return classified{kind: kindValidation, err: err}
		}
	}

	// Submit transport errors and everything else environmental.
	return classified{kind: kindTransient, err: err, retryable: true}
}

// synthesizeNotSupported returns the terminal error for a job whose
// failures were all incompatibility, or nil when any other kind occurred.
func synthesizeNotSupported(failures []failure) *NotSupportedError {
	if len(failures) == 0 {
		return nil
	}
	reasons := make(map[string]string, len(failures))
	for _, f := range failures {
		if f.kind != kindIncompatible {
			return nil
		}
		reasons[f.clientID] = f.err.Error()
	}
	return &NotSupportedError{Reasons: reasons}
}

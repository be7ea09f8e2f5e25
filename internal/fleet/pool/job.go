package pool

import (
	"sync"
	"time"
)

// Job option defaults.
const (
	DefaultMaxAttempts           = 3
	DefaultRetryDelay            = 1 * time.Second
	DefaultExecutionStartTimeout = 5 * time.Second
	DefaultNodeExecutionTimeout  = 5 * time.Minute
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Attachment is a file uploaded to the chosen client before dispatch.
// After upload, the referenced node input is rewritten to the uploaded
// filename.
type Attachment struct {
	// Filename the asset is stored under on the server.
	Filename string
	// Data is the raw file content.
	Data []byte
	// NodeID and InputName locate the workflow input to rewrite.
	NodeID    string
	InputName string
	// Subfolder optionally places the upload under input/<subfolder>/.
	Subfolder string
}

// Options tunes one job. The zero value uses all defaults.
type Options struct {
	// Priority orders dispatch; higher runs first. Default 0.
	Priority int
	// JobID overrides the generated id. Must be unique.
	JobID string
	// MaxAttempts bounds total attempts (default 3).
	MaxAttempts int
	// RetryDelay spaces retries when the pool has no global backoff.
	RetryDelay time.Duration
	// PreferredClientIDs, when non-empty, restricts dispatch to them.
	PreferredClientIDs []string
	// ExcludeClientIDs removes clients from consideration.
	ExcludeClientIDs []string
	// RequiredCheckpoints must all be present on the chosen client.
	RequiredCheckpoints []string
	// Metadata is opaque caller data carried on the job record.
	Metadata map[string]any
	// IncludeOutputs lists the node ids whose outputs form the result.
	IncludeOutputs []string
	// OutputAliases maps node ids to result keys.
	OutputAliases map[string]string
	// Attachments are uploaded before submission.
	Attachments []Attachment
	// ExecutionStartTimeout overrides the pool default for this job.
	ExecutionStartTimeout time.Duration
	// NodeExecutionTimeout overrides the pool default for this job.
	NodeExecutionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// failure is one classified attempt failure, kept for the terminal
// not-supported synthesis.
type failure struct {
	clientID string
	kind     failureKind
	err      error
}

// Job is the pool's record of one unit of work. Fields are mutated only
// by the owning Runner (and Cancel); reads go through View.
type Job struct {
	mu sync.Mutex

	id          string
	workflow    map[string]any
	fingerprint string
	opts        Options

	status         Status
	attempts       int
	assignedClient string
	promptID       string
	result         map[string]any
	lastErr        error
	autoSeeds      map[string]int64
	excluded       map[string]bool
	failures       []failure

	enqueuedAt  time.Time
	startedAt   time.Time
	completedAt time.Time

	profile *Profile

	// cancelAttempt interrupts the in-flight Runner, nil when idle.
	cancelAttempt chan struct{}
	// cancelRequested survives the window where no Runner is attached.
	cancelRequested bool
}

// View is a read-only snapshot of a job.
type View struct {
	ID             string
	Fingerprint    string
	Status         Status
	Priority       int
	Attempts       int
	MaxAttempts    int
	AssignedClient string
	PromptID       string
	Result         map[string]any
	LastError      error
	Metadata       map[string]any
	EnqueuedAt     time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	Profile        *Profile
}

// View returns a consistent snapshot of the job.
func (j *Job) View() View {
	j.mu.Lock()
	defer j.mu.Unlock()
	v := View{
		ID:             j.id,
		Fingerprint:    j.fingerprint,
		Status:         j.status,
		Priority:       j.opts.Priority,
		Attempts:       j.attempts,
		MaxAttempts:    j.opts.MaxAttempts,
		AssignedClient: j.assignedClient,
		PromptID:       j.promptID,
		LastError:      j.lastErr,
		Metadata:       j.opts.Metadata,
		EnqueuedAt:     j.enqueuedAt,
		StartedAt:      j.startedAt,
		CompletedAt:    j.completedAt,
		Profile:        j.profile,
	}
	if j.result != nil {
		v.Result = make(map[string]any, len(j.result))
		for k, val := range j.result {
			v.Result[k] = val
		}
	}
	return v
}

// excludedList returns the accumulated excluded client ids merged with
// the caller's static exclusions.
func (j *Job) excludedList() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := append([]string(nil), j.opts.ExcludeClientIDs...)
	for id := range j.excluded {
		out = append(out, id)
	}
	return out
}

func (j *Job) excludeClient(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.excluded == nil {
		j.excluded = make(map[string]bool)
	}
	j.excluded[id] = true
}

// startTimeout returns the effective execution-start timeout.
func (j *Job) startTimeout(poolDefault time.Duration) time.Duration {
	if j.opts.ExecutionStartTimeout > 0 {
		return j.opts.ExecutionStartTimeout
	}
	if poolDefault > 0 {
		return poolDefault
	}
	return DefaultExecutionStartTimeout
}

// nodeTimeout returns the effective node-execution timeout.
func (j *Job) nodeTimeout(poolDefault time.Duration) time.Duration {
	if j.opts.NodeExecutionTimeout > 0 {
		return j.opts.NodeExecutionTimeout
	}
	if poolDefault > 0 {
		return poolDefault
	}
	return DefaultNodeExecutionTimeout
}

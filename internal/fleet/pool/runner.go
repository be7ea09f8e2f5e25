package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/comfyfleet/internal/fleet/manager"
	"github.com/zjrosen/comfyfleet/internal/fleet/session"
	"github.com/zjrosen/comfyfleet/internal/log"
	"github.com/zjrosen/comfyfleet/internal/pubsub"
)

// cancelAckWait bounds how long a cancelled runner waits for the server
// to acknowledge the interrupt before resolving anyway.
const cancelAckWait = 1 * time.Second

// runAttempt executes one attempt of a job on a leased client. It owns
// the job's mutable state for the duration and ends in exactly one of:
// completed, a scheduled retry, terminal failure, or cancelled.
func (p *Pool) runAttempt(job *Job, lease *manager.Lease) {
	clientID := lease.ClientID()
	sess := lease.Session()

	ctx, cancelCtx := context.WithCancel(p.ctx)
	defer cancelCtx()

	cancelCh := make(chan struct{})
	job.mu.Lock()
	if job.cancelRequested {
		job.mu.Unlock()
		p.resolveCancelled(ctx, job, lease, "")
		return
	}
	job.status = StatusRunning
	job.attempts++
	attempt := job.attempts
	job.assignedClient = clientID
	if job.startedAt.IsZero() {
		job.startedAt = time.Now()
	}
	job.cancelAttempt = cancelCh
	job.promptID = ""
	job.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "job.attempt", trace.WithAttributes(
		attribute.String("job.id", job.id),
		attribute.String("job.fingerprint", job.fingerprint),
		attribute.String("client.id", clientID),
		attribute.Int("job.attempt", attempt),
	))
	defer span.End()

	log.Info(log.CatPool, "Attempt starting",
		"job", job.id, "client", clientID, "attempt", attempt)

	// Subscribe before submitting so no early event is missed.
	sub := sess.Events().Listen(ctx)
	defer sub.Cancel()

	workflow, err := p.prepareWorkflow(ctx, job, sess)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.failAttempt(ctx, job, lease, "", err)
		return
	}

	extra := promptExtra(job)
	resp, err := sess.Submit(ctx, workflow, extra, session.Append())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.failAttempt(ctx, job, lease, "", err)
		return
	}
	promptID := resp.PromptID
	span.SetAttributes(attribute.String("prompt.id", promptID))

	job.mu.Lock()
	job.promptID = promptID
	job.mu.Unlock()

	var prof *profiler
	if p.cfg.EnableProfiling {
		prof = newProfiler()
	}

	outcome := p.superviseAttempt(job, sess, sub, cancelCh, promptID, prof)
	switch {
	case outcome.cancelled:
		p.resolveCancelled(ctx, job, lease, promptID)
	case outcome.err != nil:
		span.SetStatus(codes.Error, outcome.err.Error())
		p.failAttempt(ctx, job, lease, promptID, outcome.err)
	default:
		p.completeJob(ctx, job, lease, promptID, outcome.outputs, prof)
	}
}

// prepareWorkflow uploads attachments, rewrites their node inputs, runs
// the seed rewrite and returns the serialized prompt graph.
func (p *Pool) prepareWorkflow(ctx context.Context, job *Job, sess *session.Session) (json.RawMessage, error) {
	wf, err := deepCloneMap(job.workflow)
	if err != nil {
		return nil, err
	}

	for _, att := range job.opts.Attachments {
		name, err := sess.UploadAsset(ctx, att.Data, att.Filename, session.UploadOptions{
			Subfolder: att.Subfolder,
			Overwrite: true,
		})
		if err != nil {
			return nil, fmt.Errorf("pool: uploading attachment %s: %w", att.Filename, err)
		}
		node, ok := wf[att.NodeID].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("pool: attachment targets unknown node %s", att.NodeID)
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("pool: attachment node %s has no inputs", att.NodeID)
		}
		inputs[att.InputName] = name
	}

	p.rngMu.Lock()
	seeds := rewriteSeeds(wf, p.rng)
	p.rngMu.Unlock()

	job.mu.Lock()
	job.autoSeeds = seeds
	job.mu.Unlock()

	return json.Marshal(wf)
}

// promptExtra carries the output node ids and aliases on the submission.
func promptExtra(job *Job) map[string]any {
	if len(job.opts.IncludeOutputs) == 0 {
		return nil
	}
	return map[string]any{
		"comfyfleet": map[string]any{
			"outputs": job.opts.IncludeOutputs,
			"aliases": job.opts.OutputAliases,
		},
	}
}

// attemptOutcome is how one supervised attempt ended.
type attemptOutcome struct {
	outputs   map[string]json.RawMessage
	err       error
	cancelled bool
}

// superviseAttempt consumes the session stream for one prompt while
// enforcing the execution-start and node-execution timeouts.
func (p *Pool) superviseAttempt(
	job *Job,
	sess *session.Session,
	sub *pubsub.Subscription[session.Event],
	cancelCh chan struct{},
	promptID string,
	prof *profiler,
) attemptOutcome {
	startTimeout := job.startTimeout(p.cfg.ExecutionStartTimeout)
	nodeTimeout := job.nodeTimeout(p.cfg.NodeExecutionTimeout)

	startTimer := time.NewTimer(startTimeout)
	defer startTimer.Stop()
	// Armed once execution starts; until then it must not fire.
	nodeTimer := time.NewTimer(time.Hour)
	nodeTimer.Stop()
	defer nodeTimer.Stop()

	outputs := make(map[string]json.RawMessage)
	started := false
	startedEmitted := false
	lastNode := ""

	resetNodeTimer := func() {
		if !nodeTimer.Stop() {
			select {
			case <-nodeTimer.C:
			default:
			}
		}
		nodeTimer.Reset(nodeTimeout)
	}

	for {
		select {
		case <-cancelCh:
			return attemptOutcome{cancelled: true}
		case <-p.ctx.Done():
			return attemptOutcome{cancelled: true}
		case <-startTimer.C:
			if !started {
				return attemptOutcome{err: &timeoutError{kind: kindStartTimeout}}
			}
		case <-nodeTimer.C:
			return attemptOutcome{err: &timeoutError{kind: kindNodeTimeout, node: lastNode}}
		case ev, ok := <-sub.C:
			if !ok {
				return attemptOutcome{err: fmt.Errorf("pool: event stream closed mid-attempt")}
			}
			payload := ev.Payload
			if !eventBelongs(payload, promptID) {
				continue
			}
			if prof != nil {
				prof.observe(payload)
			}
			if !startedEmitted && payload.PromptID == promptID {
				startedEmitted = true
				p.emit(Event{Type: EventJobStarted, JobID: job.id, PromptID: promptID, ClientID: job.assignedClient})
			}

			switch payload.Type {
			case session.EventExecutionStart:
				started = true
				startTimer.Stop()
				resetNodeTimer()
			case session.EventExecuting:
				if payload.Node == nil {
					// Null node marks the end of the prompt. Older servers
					// send this without a following execution_success.
					return attemptOutcome{outputs: outputs}
				}
				lastNode = *payload.Node
				resetNodeTimer()
			case session.EventProgress:
				resetNodeTimer()
				p.emit(Event{
					Type: EventJobProgress, JobID: job.id, PromptID: promptID,
					Node: payload.ProgressNode, Value: payload.Value, Max: payload.Max,
				})
			case session.EventExecuted:
				outputs[payload.OutputNode] = payload.Output
				p.emit(Event{
					Type: EventJobOutput, JobID: job.id, PromptID: promptID,
					OutputNode: payload.OutputNode, Output: payload.Output,
				})
			case session.EventPreview:
				p.emit(Event{
					Type: EventJobPreview, JobID: job.id, PromptID: promptID,
					Image: payload.Image, MIME: payload.MIME,
				})
			case session.EventPreviewMeta:
				p.emit(Event{
					Type: EventJobPreviewMeta, JobID: job.id, PromptID: promptID,
					Image: payload.Image, MIME: payload.MIME, Metadata: payload.Metadata,
				})
			case session.EventExecutionSuccess:
				return attemptOutcome{outputs: outputs}
			case session.EventExecutionError:
				if payload.Err != nil {
					return attemptOutcome{err: &ExecError{Data: *payload.Err}}
				}
				return attemptOutcome{err: fmt.Errorf("pool: execution error without detail")}
			}
		}
	}
}

// eventBelongs decides whether a session event concerns this attempt.
// Preview frames carry no prompt id; lease exclusivity means anything
// the leased session previews during the attempt is ours.
func eventBelongs(ev session.Event, promptID string) bool {
	switch ev.Type {
	case session.EventPreview, session.EventPreviewMeta:
		return true
	case session.EventStatus, session.EventConnected, session.EventReconnected,
		session.EventDisconnected, session.EventReconnectionFailed:
		return false
	default:
		return ev.PromptID == promptID
	}
}

// completeJob finalizes a successful attempt.
func (p *Pool) completeJob(
	ctx context.Context,
	job *Job,
	lease *manager.Lease,
	promptID string,
	outputs map[string]json.RawMessage,
	prof *profiler,
) {
	result := buildResult(job, promptID, outputs)

	job.mu.Lock()
	job.status = StatusCompleted
	job.completedAt = time.Now()
	job.result = result
	job.lastErr = nil
	job.failures = nil
	job.cancelAttempt = nil
	if prof != nil {
		job.profile = prof.finalize(job.enqueuedAt)
	}
	fingerprint := job.fingerprint
	job.mu.Unlock()

	if err := p.q.Commit(ctx, job.id); err != nil {
		log.Warn(log.CatPool, "Commit after completion failed", "job", job.id, "error", err)
	}
	lease.Succeed()
	p.noteSuccess(fingerprint)

	log.Info(log.CatPool, "Job completed", "job", job.id, "prompt", promptID)
	p.emit(Event{
		Type: EventJobCompleted, JobID: job.id, PromptID: promptID,
		ClientID: lease.ClientID(), Result: result,
	})
	p.kickDispatch()
}

// buildResult maps output aliases to node outputs and attaches the
// bookkeeping keys callers rely on for reproducibility.
func buildResult(job *Job, promptID string, outputs map[string]json.RawMessage) map[string]any {
	job.mu.Lock()
	aliases := job.opts.OutputAliases
	includes := job.opts.IncludeOutputs
	seeds := job.autoSeeds
	job.mu.Unlock()

	result := make(map[string]any)
	for _, nodeID := range includes {
		out, ok := outputs[nodeID]
		if !ok {
			continue
		}
		key := aliases[nodeID]
		if key == "" {
			key = nodeID
		}
		result[key] = out
	}
	result["_promptId"] = promptID
	result["_nodes"] = includes
	result["_aliases"] = aliases
	result["_autoSeeds"] = seeds
	return result
}

// failAttempt classifies the error and decides between retry and
// terminal failure.
func (p *Pool) failAttempt(ctx context.Context, job *Job, lease *manager.Lease, promptID string, attemptErr error) {
	clientID := lease.ClientID()
	verdict := classify(attemptErr)

	if verdict.kind == kindCancelled {
		p.resolveCancelled(ctx, job, lease, promptID)
		return
	}

	job.mu.Lock()
	job.lastErr = attemptErr
	job.cancelAttempt = nil
	job.failures = append(job.failures, failure{clientID: clientID, kind: verdict.kind, err: attemptErr})
	attempts := job.attempts
	maxAttempts := job.opts.MaxAttempts
	fingerprint := job.fingerprint
	job.mu.Unlock()

	if verdict.excludeClient {
		job.excludeClient(clientID)
	}

	lease.Fail(attemptErr)
	if verdict.blockClient {
		p.mgr.RecordFailure(clientID, fingerprint, attemptErr)
	}

	log.Warn(log.CatPool, "Attempt failed",
		"job", job.id, "client", clientID, "attempt", attempts,
		"kind", verdict.kind, "error", attemptErr)

	retry := verdict.retryable &&
		attempts < maxAttempts &&
		p.mgr.RetryPathExists(fingerprint, job.excludedList())

	if !retry {
		p.failTerminal(ctx, job, attemptErr)
		return
	}

	delay := p.cfg.RetryBackoff
	if delay <= 0 {
		delay = job.opts.RetryDelay
	}

	p.emit(Event{Type: EventJobFailed, JobID: job.id, Err: attemptErr, WillRetry: true})
	p.emit(Event{Type: EventJobRetrying, JobID: job.id, RetryDelay: delay})
	log.Info(log.CatPool, "Retry scheduled", "job", job.id, "delay", delay)

	p.wg.Add(1)
	log.SafeGo("pool.retry["+job.id+"]", func() {
		defer p.wg.Done()
		p.requeueAfter(job, delay)
	})
}

// requeueAfter returns the job to the queue once the retry delay passes.
// A cancel or shutdown arriving during the delay wins.
func (p *Pool) requeueAfter(job *Job, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		_ = p.q.Discard(context.Background(), job.id)
		return
	case <-timer.C:
	}

	job.mu.Lock()
	cancelled := job.cancelRequested
	job.mu.Unlock()
	if cancelled {
		_ = p.q.Discard(p.ctx, job.id)
		p.finishJob(job, StatusCancelled, errCancelled)
		p.emit(Event{Type: EventJobCancelled, JobID: job.id})
		return
	}

	if err := p.q.Retry(p.ctx, job.id); err != nil {
		log.ErrorErr(log.CatPool, "Requeue failed", err, "job", job.id)
		p.failTerminal(p.ctx, job, fmt.Errorf("pool: requeue failed: %w", err))
		return
	}

	job.mu.Lock()
	job.status = StatusQueued
	fingerprint := job.fingerprint
	job.mu.Unlock()

	p.emit(Event{Type: EventJobQueued, JobID: job.id, Fingerprint: fingerprint})
	p.kickDispatch()
}

// failTerminal ends the job in failed state, synthesizing the
// not-supported error when every failure was an incompatibility.
func (p *Pool) failTerminal(ctx context.Context, job *Job, attemptErr error) {
	_ = p.q.Discard(ctx, job.id)

	terminalErr := attemptErr
	job.mu.Lock()
	if ns := synthesizeNotSupported(job.failures); ns != nil {
		terminalErr = ns
	}
	job.mu.Unlock()

	p.finishJob(job, StatusFailed, terminalErr)
	log.Warn(log.CatPool, "Job failed", "job", job.id, "error", terminalErr)
	p.emit(Event{Type: EventJobFailed, JobID: job.id, Err: terminalErr, WillRetry: false})
	p.kickDispatch()
}

// resolveCancelled ends the attempt for a caller cancellation: interrupt
// the server best-effort, wait briefly for acknowledgement, discard the
// reservation and release the lease.
func (p *Pool) resolveCancelled(ctx context.Context, job *Job, lease *manager.Lease, promptID string) {
	if promptID != "" {
		ictx, cancel := context.WithTimeout(context.Background(), cancelAckWait)
		if err := lease.Session().Interrupt(ictx, promptID); err != nil {
			log.Debug(log.CatPool, "Interrupt failed during cancel", "job", job.id, "error", err)
		}
		cancel()
		// One event tick of grace; the server may never acknowledge.
		time.Sleep(50 * time.Millisecond)
	}

	_ = p.q.Discard(ctx, job.id)
	lease.Fail(errCancelled)
	p.finishJob(job, StatusCancelled, errCancelled)
	log.Info(log.CatPool, "Job cancelled", "job", job.id)
	p.emit(Event{Type: EventJobCancelled, JobID: job.id})
	p.kickDispatch()
}

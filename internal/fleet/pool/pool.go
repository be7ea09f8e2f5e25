// Package pool schedules workflows across the fleet: a priority queue,
// a selectivity-aware dispatcher, per-job runners with timeout
// supervision and retry, and a typed job-event stream.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/comfyfleet/internal/fleet/manager"
	"github.com/zjrosen/comfyfleet/internal/fleet/queue"
	"github.com/zjrosen/comfyfleet/internal/fleet/session"
	"github.com/zjrosen/comfyfleet/internal/log"
	"github.com/zjrosen/comfyfleet/internal/pubsub"
)

// DefaultPeekLimit caps how many pending jobs one dispatch pass considers.
const DefaultPeekLimit = 100

// ErrShutdown is returned by Enqueue after Shutdown.
var ErrShutdown = errors.New("pool: shut down")

// Config configures a Pool.
type Config struct {
	// Manager is the client registry the pool dispatches onto. Required.
	Manager *manager.Manager
	// Queue stores pending jobs. Nil uses the in-memory adapter.
	Queue queue.Adapter
	// RetryBackoff, when positive, overrides every job's RetryDelay.
	RetryBackoff time.Duration
	// ExecutionStartTimeout is the pool default (5s when zero).
	ExecutionStartTimeout time.Duration
	// NodeExecutionTimeout is the pool default (5m when zero).
	NodeExecutionTimeout time.Duration
	// EnableProfiling attaches a job profiler to every attempt.
	EnableProfiling bool
	// PeekLimit caps jobs per dispatch pass (100 when zero).
	PeekLimit int
}

// Pool is the workflow scheduler.
type Pool struct {
	cfg    Config
	mgr    *manager.Manager
	q      queue.Adapter
	broker *pubsub.Broker[Event]
	tracer trace.Tracer

	mu   sync.Mutex
	jobs map[string]*Job

	rngMu sync.Mutex
	rng   *rand.Rand

	// processing serializes dispatch passes; rerun marks a trailing pass.
	processing atomic.Bool
	rerun      atomic.Bool
	down       atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutOnce sync.Once

	blockedMu  sync.Mutex
	blockedFPs map[string]bool

	// sessions holds every session added through AddClient; the pool
	// destroys them on Shutdown, after the manager has detached.
	sessMu   sync.Mutex
	sessions []*session.Session
}

// New creates a Pool over the given manager. Client state changes kick
// the dispatcher so capacity is used as soon as it appears.
func New(cfg Config) (*Pool, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("pool: manager required")
	}
	if cfg.Queue == nil {
		cfg.Queue = queue.NewMemory()
	}
	if cfg.PeekLimit <= 0 {
		cfg.PeekLimit = DefaultPeekLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		mgr:        cfg.Manager,
		q:          cfg.Queue,
		broker:     pubsub.NewBroker[Event](),
		tracer:     otel.Tracer("comfyfleet/pool"),
		jobs:       make(map[string]*Job),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:        ctx,
		cancel:     cancel,
		blockedFPs: make(map[string]bool),
	}

	mgrEvents := p.mgr.Subscribe(ctx)
	p.wg.Add(1)
	log.SafeGo("pool.managerEvents", func() {
		defer p.wg.Done()
		for ev := range mgrEvents {
			p.onManagerEvent(ev.Payload)
		}
	})

	p.emit(Event{Type: EventPoolReady})
	log.Info(log.CatPool, "Pool ready", "profiling", cfg.EnableProfiling)
	return p, nil
}

// Events returns the pool's event broker.
func (p *Pool) Events() *pubsub.Broker[Event] { return p.broker }

// Subscribe returns pool events scoped to ctx.
func (p *Pool) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return p.broker.Subscribe(ctx)
}

func (p *Pool) emit(ev Event) {
	p.broker.Publish(pubsub.UpdatedEvent, ev)
}

// onManagerEvent forwards client state into the pool stream and uses
// freed capacity as a dispatch trigger.
func (p *Pool) onManagerEvent(ev manager.Event) {
	switch ev.Type {
	case manager.EventClientState:
		p.emit(Event{Type: EventClientState, ClientID: ev.ClientID, Online: ev.Online, Busy: ev.Busy})
		if ev.Online && !ev.Busy {
			p.kickDispatch()
		}
	case manager.EventBlockedWorkflow:
		p.blockedMu.Lock()
		p.blockedFPs[ev.Fingerprint] = true
		p.blockedMu.Unlock()
		p.emit(Event{Type: EventClientBlockedWorkflow, ClientID: ev.ClientID, Fingerprint: ev.Fingerprint})
	}
}

// noteSuccess emits the unblocked signal for fingerprints that were
// previously reported blocked.
func (p *Pool) noteSuccess(fingerprint string) {
	p.blockedMu.Lock()
	wasBlocked := p.blockedFPs[fingerprint]
	delete(p.blockedFPs, fingerprint)
	p.blockedMu.Unlock()
	if wasBlocked {
		p.emit(Event{Type: EventClientUnblockedWorkflow, Fingerprint: fingerprint})
	}
}

// AddClient registers a session with the underlying manager and kicks
// the dispatcher so waiting jobs can use the new capacity. The pool takes
// ownership of the session's lifetime: Shutdown destroys it.
func (p *Pool) AddClient(sess *session.Session) (string, error) {
	id, err := p.mgr.Add(sess)
	if err != nil {
		return "", err
	}
	p.sessMu.Lock()
	p.sessions = append(p.sessions, sess)
	p.sessMu.Unlock()
	p.kickDispatch()
	return id, nil
}

// Enqueue normalizes and fingerprints the workflow, stores the job, and
// returns its id. It never blocks on dispatch.
func (p *Pool) Enqueue(ctx context.Context, workflow any, opts Options) (string, error) {
	if p.down.Load() {
		return "", ErrShutdown
	}
	opts = opts.withDefaults()

	wf, err := normalizeWorkflow(workflow)
	if err != nil {
		return "", err
	}

	fingerprint := ""
	if fp, ok := workflow.(Fingerprinter); ok {
		fingerprint = fp.WorkflowFingerprint()
	}
	if fingerprint == "" {
		fingerprint = fingerprintWorkflow(wf)
	}
	if len(opts.OutputAliases) == 0 {
		if oa, ok := workflow.(OutputAliaser); ok {
			opts.OutputAliases = oa.OutputAliases()
		}
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	job := &Job{
		id:          id,
		workflow:    wf,
		fingerprint: fingerprint,
		opts:        opts,
		status:      StatusQueued,
		enqueuedAt:  now,
	}

	p.mu.Lock()
	if _, exists := p.jobs[id]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("pool: duplicate job id %s", id)
	}
	p.jobs[id] = job
	p.mu.Unlock()

	payload, err := json.Marshal(wf)
	if err != nil {
		p.dropJob(id)
		return "", fmt.Errorf("pool: encoding workflow: %w", err)
	}
	if err := p.q.Enqueue(ctx, &queue.Item{
		ID:         id,
		Priority:   opts.Priority,
		EnqueuedAt: now,
		Payload:    payload,
	}); err != nil {
		p.dropJob(id)
		return "", err
	}

	log.Info(log.CatPool, "Job queued",
		"job", id, "priority", opts.Priority, "fingerprint", fingerprint)
	p.emit(Event{Type: EventJobQueued, JobID: id, Fingerprint: fingerprint})
	p.kickDispatch()
	return id, nil
}

func (p *Pool) dropJob(id string) {
	p.mu.Lock()
	delete(p.jobs, id)
	p.mu.Unlock()
}

// Job returns a read-only snapshot of the job, if known.
func (p *Pool) Job(id string) (View, bool) {
	p.mu.Lock()
	job, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return View{}, false
	}
	return job.View(), true
}

// Stats summarizes pool occupancy.
type Stats struct {
	Pending  int
	Reserved int
	Running  int
}

// QueueStats reports pending/reserved queue depth and running job count.
func (p *Pool) QueueStats(ctx context.Context) (Stats, error) {
	qs, err := p.q.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	running := 0
	p.mu.Lock()
	for _, j := range p.jobs {
		if j.View().Status == StatusRunning {
			running++
		}
	}
	p.mu.Unlock()

	return Stats{Pending: qs.Pending, Reserved: qs.Reserved, Running: running}, nil
}

// Cancel stops a job. Queued jobs are removed immediately; running jobs
// are interrupted best-effort and resolve cancelled within a bounded
// delay. Returns true when the job was found and could be stopped.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	job, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}

	job.mu.Lock()
	if job.status.Terminal() {
		job.mu.Unlock()
		return false
	}
	queued := job.status == StatusQueued
	job.mu.Unlock()

	if queued {
		// Race with dispatch: if the queue removal succeeds, the job was
		// never reserved and we can terminate it here.
		if err := p.q.Remove(p.ctx, id); err == nil {
			p.finishJob(job, StatusCancelled, errCancelled)
			p.emit(Event{Type: EventJobCancelled, JobID: id})
			log.Info(log.CatPool, "Queued job cancelled", "job", id)
			return true
		}
	}

	// Reserved or running: hand the cancel to the runner.
	job.mu.Lock()
	job.cancelRequested = true
	if job.cancelAttempt != nil {
		select {
		case <-job.cancelAttempt:
		default:
			close(job.cancelAttempt)
		}
		job.cancelAttempt = nil
	}
	job.mu.Unlock()
	log.Info(log.CatPool, "Cancel signalled to runner", "job", id)
	return true
}

// finishJob applies a terminal transition.
func (p *Pool) finishJob(job *Job, status Status, err error) {
	job.mu.Lock()
	job.status = status
	job.completedAt = time.Now()
	if err != nil {
		job.lastErr = err
	}
	job.mu.Unlock()
}

// kickDispatch schedules a dispatch pass.
func (p *Pool) kickDispatch() {
	if p.down.Load() {
		return
	}
	log.SafeGo("pool.dispatch", p.dispatchPass)
}

// dispatchPass runs one scheduling pass. Re-entrant calls set a rerun
// flag and return; the running pass schedules the trailing one.
func (p *Pool) dispatchPass() {
	if p.down.Load() {
		return
	}
	if !p.processing.CompareAndSwap(false, true) {
		p.rerun.Store(true)
		return
	}
	defer func() {
		p.processing.Store(false)
		if p.rerun.Swap(false) && !p.down.Load() {
			log.SafeGo("pool.dispatch", p.dispatchPass)
		}
	}()

	ctx := p.ctx
	items, err := p.q.Peek(ctx, p.cfg.PeekLimit)
	if err != nil {
		log.ErrorErr(log.CatPool, "Queue peek failed", err)
		p.emit(Event{Type: EventPoolError, Err: err})
		return
	}
	if len(items) == 0 {
		return
	}

	// For each peeked job, the set of stable clients able to run it.
	type dispatchable struct {
		job        *Job
		queueOrder int
		candidates []manager.Candidate
	}
	var ready []dispatchable
	for i, item := range items {
		job := p.jobFor(item)
		if job == nil {
			continue
		}
		candidates := p.mgr.EligibleFor(ctx, manager.Eligibility{
			Fingerprint:         job.fingerprint,
			PreferredClientIDs:  job.opts.PreferredClientIDs,
			ExcludedClientIDs:   job.excludedList(),
			RequiredCheckpoints: job.opts.RequiredCheckpoints,
		})
		if len(candidates) == 0 {
			continue
		}
		ready = append(ready, dispatchable{job: job, queueOrder: i, candidates: candidates})
	}

	// Priority desc, then selectivity asc so narrow jobs claim their one
	// eligible client before broad jobs take it, then FIFO.
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.job.opts.Priority != b.job.opts.Priority {
			return a.job.opts.Priority > b.job.opts.Priority
		}
		if len(a.candidates) != len(b.candidates) {
			return len(a.candidates) < len(b.candidates)
		}
		return a.queueOrder < b.queueOrder
	})

	assigned := make(map[string]bool)
	for _, d := range ready {
		var chosen *manager.Candidate
		for i := range d.candidates {
			if !assigned[d.candidates[i].ID] {
				chosen = &d.candidates[i]
				break
			}
		}
		if chosen == nil {
			continue
		}

		if _, err := p.q.Reserve(ctx, d.job.id); err != nil {
			// Lost a race (cancel or another pass); skip.
			continue
		}
		lease, err := p.mgr.Claim(chosen.ID, d.job.fingerprint)
		if err != nil {
			_ = p.q.Retry(ctx, d.job.id)
			continue
		}
		assigned[chosen.ID] = true

		log.Info(log.CatPool, "Job assigned",
			"job", d.job.id, "client", chosen.ID, "candidates", len(d.candidates))
		p.emit(Event{Type: EventJobAccepted, JobID: d.job.id, ClientID: chosen.ID})

		job := d.job
		p.wg.Add(1)
		log.SafeGo("pool.runner["+job.id+"]", func() {
			defer p.wg.Done()
			p.runAttempt(job, lease)
		})
	}
}

// jobFor resolves a queue item to its job record, reconstructing one for
// items a durable adapter carried over from a previous process.
func (p *Pool) jobFor(item *queue.Item) *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job, ok := p.jobs[item.ID]; ok {
		return job
	}

	wf, err := decodeWorkflow(item.Payload)
	if err != nil {
		log.Warn(log.CatPool, "Dropping unreadable persisted job", "job", item.ID, "error", err)
		return nil
	}
	job := &Job{
		id:          item.ID,
		workflow:    wf,
		fingerprint: fingerprintWorkflow(wf),
		opts:        Options{Priority: item.Priority}.withDefaults(),
		status:      StatusQueued,
		attempts:    item.Attempts,
		enqueuedAt:  item.EnqueuedAt,
	}
	p.jobs[item.ID] = job
	log.Info(log.CatPool, "Restored persisted job", "job", item.ID, "attempts", item.Attempts)
	return job
}

// Shutdown stops the dispatcher, cancels running jobs best-effort and
// destroys the managed sessions. Idempotent and safe to call
// concurrently.
func (p *Pool) Shutdown() {
	p.shutOnce.Do(func() {
		p.down.Store(true)
		log.Info(log.CatPool, "Pool shutting down")

		p.mu.Lock()
		for _, job := range p.jobs {
			job.mu.Lock()
			if job.status == StatusRunning && job.cancelAttempt != nil {
				job.cancelRequested = true
				select {
				case <-job.cancelAttempt:
				default:
					close(job.cancelAttempt)
				}
				job.cancelAttempt = nil
			}
			job.mu.Unlock()
		}
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()
		p.mgr.Destroy()

		p.sessMu.Lock()
		sessions := p.sessions
		p.sessions = nil
		p.sessMu.Unlock()
		for _, sess := range sessions {
			sess.Destroy()
		}

		p.broker.Close()
	})
}

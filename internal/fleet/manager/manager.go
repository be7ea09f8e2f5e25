// Package manager tracks the fleet's clients: liveness, busy/idle claims,
// reconnect grace, failover bookkeeping and the per-client checkpoint cache.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/comfyfleet/internal/cachemanager"
	"github.com/zjrosen/comfyfleet/internal/fleet/session"
	"github.com/zjrosen/comfyfleet/internal/fleet/strategy"
	"github.com/zjrosen/comfyfleet/internal/log"
	"github.com/zjrosen/comfyfleet/internal/pubsub"
)

// Defaults for manager behavior.
const (
	// DefaultHealthPingInterval is the ping cadence the default
	// configuration uses.
	DefaultHealthPingInterval = 30 * time.Second
	// DefaultReconnectGrace holds a freshly reconnected client out of
	// dispatch until its channel proves stable.
	DefaultReconnectGrace = 10 * time.Second
	// checkpointTTL bounds how stale the cached checkpoint list may get.
	checkpointTTL = 5 * time.Minute
)

// EventType identifies manager events.
type EventType string

const (
	// EventClientState fires on any online/offline/busy transition.
	EventClientState EventType = "client:state"
	// EventBlockedWorkflow fires when a recorded failure newly places a
	// (client, workflow) pair in cooldown.
	EventBlockedWorkflow EventType = "client:blocked_workflow"
)

// Event is a manager notification.
type Event struct {
	Type        EventType
	ClientID    string
	Online      bool
	Busy        bool
	Fingerprint string
}

// Client is a point-in-time view of one managed client.
type Client struct {
	ID             string
	Online         bool
	Busy           bool
	LastSeen       time.Time
	LastError      string
	LastDisconnect time.Time
	// StableAt is when the client exits its reconnect grace window.
	// Zero means no grace is pending.
	StableAt time.Time
}

type managed struct {
	sess           *session.Session
	online         bool
	busy           bool
	lastSeen       time.Time
	lastErr        error
	lastDisconnect time.Time
	stableAt       time.Time
	subCancel      context.CancelFunc
}

// Config configures a Manager.
type Config struct {
	// HealthPingInterval is the liveness probe cadence. Zero or negative
	// disables pinging; the daemon's config defaults supply
	// DefaultHealthPingInterval.
	HealthPingInterval time.Duration
	// ReconnectGrace is how long a reconnected client is held out of
	// dispatch. Zero uses the default.
	ReconnectGrace time.Duration
	// Strategy decides which clients to skip per workflow. Nil means no
	// failover tracking.
	Strategy strategy.FailoverStrategy
	// now overrides the clock in tests.
	now func() time.Time
}

// Manager is the client registry. Clients are keyed by server URL, which
// is stable across channel ids the server may reassign.
type Manager struct {
	cfg         Config
	strat       strategy.FailoverStrategy
	broker      *pubsub.Broker[Event]
	checkpoints *cachemanager.InMemoryCacheManager[[]string]

	mu      sync.Mutex
	clients map[string]*managed
	// order preserves registration order so candidate selection is
	// stable among equals.
	order []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager and, when the ping interval is positive, starts
// its health ping loop.
func New(cfg Config) *Manager {
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = DefaultReconnectGrace
	}
	if cfg.Strategy == nil {
		cfg.Strategy = strategy.Noop{}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		strat:       cfg.Strategy,
		broker:      pubsub.NewBroker[Event](),
		checkpoints: cachemanager.NewInMemoryCacheManager[[]string]("checkpoints", checkpointTTL, checkpointTTL),
		clients:     make(map[string]*managed),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.HealthPingInterval > 0 {
		m.wg.Add(1)
		log.SafeGo("manager.healthPing", m.healthPingLoop)
	}
	return m
}

// Events returns the manager's event broker.
func (m *Manager) Events() *pubsub.Broker[Event] { return m.broker }

// Subscribe returns manager events scoped to ctx.
func (m *Manager) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return m.broker.Subscribe(ctx)
}

// Add registers a session. The manager mirrors the session's connection
// events into its own client state from here on.
func (m *Manager) Add(sess *session.Session) (string, error) {
	id := sess.URL()

	m.mu.Lock()
	if _, exists := m.clients[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("manager: client %s already registered", id)
	}

	subCtx, subCancel := context.WithCancel(m.ctx)
	mc := &managed{
		sess:      sess,
		online:    sess.State() == session.StateOpen || sess.State() == session.StatePolling,
		lastSeen:  m.cfg.now(),
		subCancel: subCancel,
	}
	m.clients[id] = mc
	m.order = append(m.order, id)
	m.mu.Unlock()

	ch := sess.Subscribe(subCtx)
	m.wg.Add(1)
	log.SafeGo("manager.watch["+id+"]", func() {
		defer m.wg.Done()
		for ev := range ch {
			m.observe(id, ev.Payload)
		}
	})

	log.Info(log.CatManager, "Client registered", "client", id, "online", mc.online)
	m.emitState(id)
	return id, nil
}

// observe folds a session event into the client record.
func (m *Manager) observe(id string, ev session.Event) {
	m.mu.Lock()
	mc, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := m.cfg.now()
	mc.lastSeen = now
	changed := false

	switch ev.Type {
	case session.EventConnected:
		if !mc.online {
			mc.online = true
			changed = true
		}
	case session.EventReconnected:
		mc.online = true
		mc.stableAt = now.Add(m.cfg.ReconnectGrace)
		changed = true
	case session.EventDisconnected:
		if mc.online {
			mc.online = false
			mc.lastDisconnect = now
			changed = true
		}
	case session.EventReconnectionFailed:
		mc.online = false
		mc.lastErr = fmt.Errorf("reconnection attempts exhausted")
		changed = true
	case session.EventStatus:
		// Polling fallback still proves liveness.
		if !mc.online {
			mc.online = true
			changed = true
		}
	case session.EventExecutionError:
		if ev.Err != nil {
			mc.lastErr = fmt.Errorf("%s: %s", ev.Err.ExceptionType, ev.Err.ExceptionMessage)
		}
	}
	m.mu.Unlock()

	if changed {
		m.emitState(id)
	}
}

// List returns a snapshot of all registered clients.
func (m *Manager) List() []Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Client, 0, len(m.clients))
	for _, id := range m.order {
		out = append(out, m.snapshotLocked(id, m.clients[id]))
	}
	return out
}

// Get returns the snapshot for one client.
func (m *Manager) Get(id string) (Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.clients[id]
	if !ok {
		return Client{}, false
	}
	return m.snapshotLocked(id, mc), true
}

func (m *Manager) snapshotLocked(id string, mc *managed) Client {
	c := Client{
		ID:             id,
		Online:         mc.online,
		Busy:           mc.busy,
		LastSeen:       mc.lastSeen,
		LastDisconnect: mc.lastDisconnect,
	}
	if mc.lastErr != nil {
		c.LastError = mc.lastErr.Error()
	}
	if mc.stableAt.After(m.cfg.now()) {
		c.StableAt = mc.stableAt
	}
	return c
}

// stableLocked reports whether the client can accept work right now.
func (m *Manager) stableLocked(mc *managed) bool {
	return mc.online && !mc.busy && !mc.stableAt.After(m.cfg.now())
}

// Candidate pairs a claimable client id with its session.
type Candidate struct {
	ID      string
	Session *session.Session
}

// Eligibility describes a job's client constraints.
type Eligibility struct {
	Fingerprint string
	// PreferredClientIDs, when non-empty, restricts candidates to the
	// listed clients.
	PreferredClientIDs []string
	// ExcludedClientIDs removes clients the job may not run on.
	ExcludedClientIDs []string
	// RequiredCheckpoints must all be installed on a candidate.
	RequiredCheckpoints []string
}

// Eligible returns the clients that could run the given workflow now.
func (m *Manager) Eligible(fingerprint string) []Candidate {
	return m.EligibleFor(context.Background(), Eligibility{Fingerprint: fingerprint})
}

// EligibleFor returns the clients that could run the job now: online,
// idle, past any reconnect grace, not excluded, preferred when a
// preference is declared, carrying every required checkpoint, and not
// skipped by the failover strategy. Candidates come back in registration
// order.
func (m *Manager) EligibleFor(ctx context.Context, e Eligibility) []Candidate {
	excluded := make(map[string]bool, len(e.ExcludedClientIDs))
	for _, id := range e.ExcludedClientIDs {
		excluded[id] = true
	}
	preferred := make(map[string]bool, len(e.PreferredClientIDs))
	for _, id := range e.PreferredClientIDs {
		preferred[id] = true
	}

	m.mu.Lock()
	type stableClient struct {
		id   string
		sess *session.Session
	}
	var stable []stableClient
	for _, id := range m.order {
		if m.stableLocked(m.clients[id]) {
			stable = append(stable, stableClient{id: id, sess: m.clients[id].sess})
		}
	}
	m.mu.Unlock()

	var out []Candidate
	for _, c := range stable {
		if excluded[c.id] {
			continue
		}
		if len(preferred) > 0 && !preferred[c.id] {
			continue
		}
		if !m.hasCheckpoints(ctx, c.id, e.RequiredCheckpoints) {
			continue
		}
		if m.strat.ShouldSkipClient(c.id, e.Fingerprint) {
			continue
		}
		out = append(out, Candidate{ID: c.id, Session: c.sess})
	}
	return out
}

// hasCheckpoints reports whether the client carries every required
// checkpoint. Lookup failures count as an empty set and do not poison
// the cache.
func (m *Manager) hasCheckpoints(ctx context.Context, clientID string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	names, err := m.Checkpoints(ctx, clientID)
	if err != nil {
		log.Debug(log.CatManager, "Checkpoint lookup failed", "client", clientID, "error", err)
		return false
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, want := range required {
		if !have[want] {
			return false
		}
	}
	return true
}

// Lease is an exclusive claim on a client for one workflow attempt.
type Lease struct {
	manager     *Manager
	clientID    string
	fingerprint string
	sess        *session.Session
	released    bool
	mu          sync.Mutex
}

// Claim marks the client busy for the workflow and returns the lease.
// Fails when the client is unknown, offline, busy, inside its reconnect
// grace, or skipped by the failover strategy.
func (m *Manager) Claim(clientID, fingerprint string) (*Lease, error) {
	m.mu.Lock()
	mc, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: unknown client %s", clientID)
	}
	if !m.stableLocked(mc) {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: client %s not claimable", clientID)
	}
	if m.strat.ShouldSkipClient(clientID, fingerprint) {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: client %s in cooldown for workflow", clientID)
	}
	mc.busy = true
	sess := mc.sess
	m.mu.Unlock()

	m.emitState(clientID)
	log.Debug(log.CatManager, "Client claimed", "client", clientID, "fingerprint", fingerprint)
	return &Lease{manager: m, clientID: clientID, fingerprint: fingerprint, sess: sess}, nil
}

// Session returns the leased session.
func (l *Lease) Session() *session.Session { return l.sess }

// ClientID returns the leased client's id.
func (l *Lease) ClientID() string { return l.clientID }

// Succeed releases the lease and clears failover history for the pair.
func (l *Lease) Succeed() { l.release(nil) }

// Fail releases the lease and stamps the client's last error. Whether the
// failure counts against the (client, workflow) pair is a separate,
// classification-driven decision made through RecordFailure.
func (l *Lease) Fail(err error) { l.release(err) }

func (l *Lease) release(attemptErr error) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	m := l.manager
	m.mu.Lock()
	if mc, ok := m.clients[l.clientID]; ok {
		mc.busy = false
		if attemptErr != nil {
			mc.lastErr = attemptErr
		}
	}
	m.mu.Unlock()

	if attemptErr == nil {
		m.strat.RecordSuccess(l.clientID, l.fingerprint)
	}
	m.emitState(l.clientID)
}

// RecordFailure counts a classified failure against the (client,
// workflow) pair. When the strategy newly puts the pair in cooldown, a
// blocked-workflow event is emitted.
func (m *Manager) RecordFailure(clientID, fingerprint string, err error) {
	m.mu.Lock()
	if mc, ok := m.clients[clientID]; ok {
		mc.lastErr = err
	}
	m.mu.Unlock()

	if m.strat.RecordFailure(clientID, fingerprint) {
		log.Warn(log.CatManager, "Workflow blocked on client",
			"client", clientID, "fingerprint", fingerprint)
		m.broker.Publish(pubsub.UpdatedEvent, Event{
			Type:        EventBlockedWorkflow,
			ClientID:    clientID,
			Fingerprint: fingerprint,
		})
	}
}

// RetryPathExists reports whether any registered client could still take
// the workflow: not excluded and not in failover cooldown. Busy and
// momentarily offline clients still count as a path; they may free up
// before the retry lands.
func (m *Manager) RetryPathExists(fingerprint string, excludedClientIDs []string) bool {
	excluded := make(map[string]bool, len(excludedClientIDs))
	for _, id := range excludedClientIDs {
		excluded[id] = true
	}

	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, id := range ids {
		if excluded[id] {
			continue
		}
		if m.strat.ShouldSkipClient(id, fingerprint) {
			continue
		}
		return true
	}
	return false
}

// Checkpoints returns the checkpoint models on a client, cached for five
// minutes to keep dispatch off the server's metadata endpoint.
func (m *Manager) Checkpoints(ctx context.Context, clientID string) ([]string, error) {
	if names, ok := m.checkpoints.Get(ctx, clientID); ok {
		return names, nil
	}

	m.mu.Lock()
	mc, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("manager: unknown client %s", clientID)
	}

	if !mc.sess.Capabilities(ctx).Checkpoints {
		return nil, fmt.Errorf("manager: client %s does not expose checkpoint metadata", clientID)
	}
	names, err := mc.sess.Checkpoints(ctx)
	if err != nil {
		return nil, err
	}
	m.checkpoints.Set(ctx, clientID, names, checkpointTTL)
	return names, nil
}

// InvalidateCheckpoints drops the cached checkpoint list for a client.
func (m *Manager) InvalidateCheckpoints(ctx context.Context, clientID string) {
	m.checkpoints.Delete(ctx, clientID)
}

func (m *Manager) emitState(id string) {
	m.mu.Lock()
	mc, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	online, busy := mc.online, mc.busy
	m.mu.Unlock()

	m.broker.Publish(pubsub.UpdatedEvent, Event{
		Type:     EventClientState,
		ClientID: id,
		Online:   online,
		Busy:     busy,
	})
}

// healthPingLoop probes every online client so dead servers are noticed
// between executions.
func (m *Manager) healthPingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

func (m *Manager) pingAll() {
	m.mu.Lock()
	targets := make(map[string]*session.Session)
	for id, mc := range m.clients {
		if mc.online {
			targets[id] = mc.sess
		}
	}
	m.mu.Unlock()

	for id, sess := range targets {
		id, sess := id, sess
		log.SafeGo("manager.ping["+id+"]", func() {
			ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
			defer cancel()
			if _, err := sess.QueueStatus(ctx); err != nil {
				log.Warn(log.CatManager, "Health ping failed", "client", id, "error", err)
				m.mu.Lock()
				if mc, ok := m.clients[id]; ok {
					mc.lastErr = err
				}
				m.mu.Unlock()
				return
			}
			m.mu.Lock()
			if mc, ok := m.clients[id]; ok {
				mc.lastSeen = m.cfg.now()
			}
			m.mu.Unlock()
		})
	}
}

// Remove unregisters a client and destroys its session.
func (m *Manager) Remove(clientID string) error {
	m.mu.Lock()
	mc, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("manager: unknown client %s", clientID)
	}
	delete(m.clients, clientID)
	for i, id := range m.order {
		if id == clientID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	mc.subCancel()
	mc.sess.Destroy()
	log.Info(log.CatManager, "Client removed", "client", clientID)
	return nil
}

// Destroy stops the manager's loops and detaches every client's event
// subscription. Sessions are left alive: whoever registered them decides
// when they die.
func (m *Manager) Destroy() {
	m.cancel()

	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*managed)
	m.order = nil
	m.mu.Unlock()

	for _, mc := range clients {
		mc.subCancel()
	}
	m.broker.Close()
}

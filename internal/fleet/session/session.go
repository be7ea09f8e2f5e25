// Package session owns the transport to a single ComfyUI server: the
// long-lived event channel with auto-reconnect, request submission, and
// typed event fan-out.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zjrosen/comfyfleet/internal/fleet/wire"
	"github.com/zjrosen/comfyfleet/internal/log"
	"github.com/zjrosen/comfyfleet/internal/pubsub"
)

// DefaultWSTimeout is the idle-channel timeout. The watchdog checks at half
// this interval and starts a reconnect when no traffic arrived for a full
// interval.
const DefaultWSTimeout = 30 * time.Second

// DefaultMaxUploadSize is the upload ceiling announced to the server.
const DefaultMaxUploadSize int64 = 50 << 20

// pollInterval is the HTTP fallback poll cadence when the event channel
// cannot be opened.
const pollInterval = 2 * time.Second

// pollRetryEvery controls how often the poll loop retries the event channel
// (every Nth poll tick).
const pollRetryEvery = 5

// State is the session connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StatePolling      State = "polling-fallback"
	StateDestroyed    State = "destroyed"
)

// Credentials configures request authentication. Exactly one of the
// mechanisms is typically set; all present ones are applied.
type Credentials struct {
	Username    string            `mapstructure:"username"`
	Password    string            `mapstructure:"password"`
	BearerToken string            `mapstructure:"bearer_token"`
	Headers     map[string]string `mapstructure:"headers"`
}

// Config configures a Session.
type Config struct {
	// URL is the server base, e.g. http://gpu-1:8188.
	URL string `mapstructure:"url"`
	// Headers are applied to every outbound request.
	Headers map[string]string `mapstructure:"headers"`
	// Credentials optionally authenticates requests and the event channel.
	Credentials *Credentials `mapstructure:"credentials"`
	// WSTimeout is the idle-channel timeout (default 30s).
	WSTimeout time.Duration `mapstructure:"ws_timeout"`
	// ListenTerminal mirrors server text frames into the log.
	ListenTerminal bool `mapstructure:"listen_terminal"`
	// AnnounceFeatureFlags sends the capability announcement on channel open.
	AnnounceFeatureFlags bool `mapstructure:"announce_feature_flags"`
	// MaxUploadSize is announced in the feature flags (default 50 MiB).
	MaxUploadSize int64 `mapstructure:"max_upload_size"`
	// Reconnect controls the reconnect loop.
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// DefaultConfig returns a session config with documented defaults for url.
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:                  rawURL,
		WSTimeout:            DefaultWSTimeout,
		AnnounceFeatureFlags: true,
		MaxUploadSize:        DefaultMaxUploadSize,
	}
}

// Session is the core's handle on one ComfyUI server.
type Session struct {
	cfg    Config
	base   *url.URL
	httpc  *http.Client
	broker *pubsub.Broker[Event]
	recon  *reconnectController

	mu           sync.Mutex
	clientID     string
	state        State
	conn         *websocket.Conn
	everOpened   bool
	pollCancel   context.CancelFunc
	watchdogStop chan struct{}

	lastActivity atomic.Int64 // unix nanos
	destroyed    atomic.Bool

	// Capability probe result, latched on first success (guarded by mu).
	capsProbed bool
	caps       Capabilities
}

// New creates a Session for the given server. The session is idle until
// Init is called.
func New(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("session: server URL required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("session: parsing server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("session: unsupported scheme %q", base.Scheme)
	}
	if cfg.WSTimeout <= 0 {
		cfg.WSTimeout = DefaultWSTimeout
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}

	s := &Session{
		cfg:      cfg,
		base:     base,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		broker:   pubsub.NewBroker[Event](),
		clientID: uuid.NewString(),
		state:    StateConnecting,
	}
	s.recon = newReconnectController(cfg.Reconnect)
	s.touchActivity()
	return s, nil
}

// ID returns the client id used on the event channel and prompt submissions.
// The server may reassign it via a sid field on any inbound message.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// URL returns the server base URL.
func (s *Session) URL() string { return s.base.String() }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the broker carrying this session's events.
func (s *Session) Events() *pubsub.Broker[Event] { return s.broker }

// Subscribe returns a channel of session events scoped to ctx.
func (s *Session) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return s.broker.Subscribe(ctx)
}

// Init brings the session up: probes reachability, opens the event channel
// (falling back to HTTP polling when it cannot be opened), and starts the
// idle watchdog. It fails only when the reachability probe exhausts its
// retries.
func (s *Session) Init(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	if s.destroyed.Load() {
		return fmt.Errorf("session: destroyed")
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if _, lastErr = s.QueueStatus(ctx); lastErr == nil {
			break
		}
		log.Debug(log.CatSession, "Reachability probe failed",
			"url", s.URL(), "attempt", attempt, "error", lastErr)
		if attempt == maxRetries {
			return fmt.Errorf("session: server unreachable after %d attempts: %w", maxRetries, lastErr)
		}
		timer := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	// Best-effort server introspection; failures are logged, not fatal.
	if stats, err := s.SystemStats(ctx); err == nil {
		if osName := parseServerOS(stats); osName != "" {
			log.Debug(log.CatSession, "Server detected", "url", s.URL(), "os", osName)
		}
	}

	if err := s.openChannel(false); err != nil {
		log.Warn(log.CatSession, "Event channel unavailable, installing polling fallback",
			"url", s.URL(), "error", err)
		s.startPolling()
	}

	s.startWatchdog()
	return nil
}

// channelURL builds the event channel URL with the client id query param.
func (s *Session) channelURL() string {
	u := *s.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("clientId", s.ID())
	u.RawQuery = q.Encode()
	return u.String()
}

// openChannel dials the event channel. reconnected selects which open event
// is emitted. At most one connection exists at a time.
func (s *Session) openChannel(reconnected bool) error {
	if s.destroyed.Load() {
		return fmt.Errorf("session: destroyed")
	}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	header := http.Header{}
	s.applyAuth(header)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(s.channelURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("session: dialing event channel: %w", err)
	}

	if s.cfg.AnnounceFeatureFlags {
		announce := wire.NewFeatureFlagsMessage(wire.FeatureFlags{
			SupportsPreviewMetadata: true,
			MaxUploadSize:           s.cfg.MaxUploadSize,
		})
		if err := conn.WriteJSON(announce); err != nil {
			_ = conn.Close()
			return fmt.Errorf("session: announcing feature flags: %w", err)
		}
	}

	s.mu.Lock()
	if s.destroyed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("session: destroyed")
	}
	s.conn = conn
	s.state = StateOpen
	first := !s.everOpened
	s.everOpened = true
	s.stopPollingLocked()
	s.mu.Unlock()

	s.touchActivity()

	evType := EventReconnected
	if first && !reconnected {
		evType = EventConnected
	}
	log.Info(log.CatSession, "Event channel open", "url", s.URL(), "event", evType)
	s.emit(Event{Type: evType, SessionID: s.ID()})

	log.SafeGo("session.readLoop["+s.URL()+"]", func() { s.readLoop(conn) })
	return nil
}

// channelHealthy reports whether the event channel is currently open.
func (s *Session) channelHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.state == StateOpen
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn)
			return
		}
		s.touchActivity()

		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

func (s *Session) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer connection already replaced this one.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if !s.destroyed.Load() {
		s.state = StateReconnecting
	}
	s.mu.Unlock()

	_ = conn.Close()
	log.Info(log.CatSession, "Event channel closed", "url", s.URL())
	s.emit(Event{Type: EventDisconnected, SessionID: s.ID()})

	if !s.destroyed.Load() {
		s.recon.start(s)
	}
}

// handleText decodes a JSON envelope and fans out the typed event.
func (s *Session) handleText(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn(log.CatWire, "Dropping malformed text message", "url", s.URL(), "error", err)
		return
	}

	// Any message may carry a server-assigned client id.
	var sidProbe struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(env.Data, &sidProbe); err == nil && sidProbe.SID != "" {
		s.mu.Lock()
		if s.clientID != sidProbe.SID {
			log.Debug(log.CatSession, "Adopting server-assigned client id",
				"url", s.URL(), "sid", sidProbe.SID)
			s.clientID = sidProbe.SID
		}
		s.mu.Unlock()
	}

	id := s.ID()
	switch env.Type {
	case wire.TypeStatus:
		var d wire.StatusData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{Type: EventStatus, SessionID: id, QueueRemaining: d.Status.ExecInfo.QueueRemaining})
	case wire.TypeExecutionStart:
		var d wire.ExecutionStartData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{Type: EventExecutionStart, SessionID: id, PromptID: d.PromptID})
	case wire.TypeExecutionCached:
		var d wire.ExecutionCachedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{Type: EventExecutionCached, SessionID: id, PromptID: d.PromptID, Nodes: d.Nodes})
	case wire.TypeExecuting:
		var d wire.ExecutingData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{Type: EventExecuting, SessionID: id, PromptID: d.PromptID, Node: d.Node})
	case wire.TypeProgress:
		var d wire.ProgressData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{
			Type: EventProgress, SessionID: id, PromptID: d.PromptID,
			ProgressNode: d.Node, Value: d.Value, Max: d.Max,
		})
	case wire.TypeExecuted:
		var d wire.ExecutedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{Type: EventExecuted, SessionID: id, PromptID: d.PromptID, OutputNode: d.Node, Output: d.Output})
	case wire.TypeExecutionSuccess:
		var d wire.ExecutionSuccessData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{Type: EventExecutionSuccess, SessionID: id, PromptID: d.PromptID})
	case wire.TypeExecutionError:
		var d wire.ExecutionErrorData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		s.emit(Event{Type: EventExecutionError, SessionID: id, PromptID: d.PromptID, Err: &d})
	default:
		// Unknown message types are ignored; servers add types freely.
	}
}

// handleBinary decodes a binary frame and fans out preview/text events.
// Malformed frames are dropped with a log, never fatal.
func (s *Session) handleBinary(data []byte) {
	frame, err := wire.ParseFrame(data)
	if err != nil {
		log.Warn(log.CatWire, "Dropping binary frame", "url", s.URL(), "error", err)
		return
	}

	switch frame.Kind {
	case wire.FramePreview, wire.FramePreviewRaw:
		s.emit(Event{Type: EventPreview, SessionID: s.ID(), Image: frame.Image, MIME: frame.MIME})
	case wire.FramePreviewMeta:
		s.emit(Event{
			Type: EventPreviewMeta, SessionID: s.ID(),
			Image: frame.Image, MIME: frame.MIME, Metadata: frame.Metadata,
		})
	case wire.FrameText:
		if s.cfg.ListenTerminal {
			log.Info(log.CatSession, "Server terminal",
				"url", s.URL(), "channel", frame.Channel, "line", strings.TrimRight(frame.Text, "\n"))
		}
	}
}

func (s *Session) emit(ev Event) {
	s.broker.Publish(pubsub.UpdatedEvent, ev)
}

// touchActivity records traffic so the idle watchdog stays quiet.
// Called on every inbound channel message and every outbound HTTP request.
func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// idleFor returns how long the session has been without traffic.
func (s *Session) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastActivity.Load())
}

// startWatchdog runs the idle check at half the ws timeout.
func (s *Session) startWatchdog() {
	s.mu.Lock()
	if s.watchdogStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.watchdogStop = stop
	s.mu.Unlock()

	interval := s.cfg.WSTimeout / 2
	log.SafeGo("session.watchdog["+s.URL()+"]", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.destroyed.Load() || s.recon.inFlight() {
					continue
				}
				if s.idleFor() <= s.cfg.WSTimeout {
					continue
				}
				log.Debug(log.CatSession, "Idle watchdog fired",
					"url", s.URL(), "idle", s.idleFor())
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					// Force the read loop to fail; it runs the
					// disconnect path which starts the reconnect.
					_ = conn.Close()
				} else {
					s.recon.start(s)
				}
			}
		}
	})
}

// startPolling installs the HTTP fallback: synthesize status events from
// GET /prompt while periodically retrying the event channel.
func (s *Session) startPolling() {
	s.mu.Lock()
	if s.pollCancel != nil || s.destroyed.Load() {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	if s.state != StateOpen {
		s.state = StatePolling
	}
	reconnected := s.everOpened
	s.mu.Unlock()

	log.Info(log.CatSession, "Polling fallback active", "url", s.URL(), "interval", pollInterval)
	log.SafeGo("session.poll["+s.URL()+"]", func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		tick := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick++
				if qs, err := s.QueueStatus(ctx); err == nil {
					s.emit(Event{
						Type: EventStatus, SessionID: s.ID(),
						QueueRemaining: qs.ExecInfo.QueueRemaining,
					})
				}
				if tick%pollRetryEvery == 0 {
					if err := s.openChannel(reconnected); err == nil {
						// openChannel cancels polling on success.
						return
					}
				}
			}
		}
	})
}

// stopPollingLocked cancels the fallback poll loop. Caller holds s.mu.
func (s *Session) stopPollingLocked() {
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
}

// Destroy tears the session down: cancels reconnect, polling and watchdog,
// closes the channel and the event broker. Idempotent.
func (s *Session) Destroy() {
	if s.destroyed.Swap(true) {
		return
	}

	s.recon.stop()

	s.mu.Lock()
	s.state = StateDestroyed
	s.stopPollingLocked()
	if s.watchdogStop != nil {
		close(s.watchdogStop)
		s.watchdogStop = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.broker.Close()
	log.Debug(log.CatSession, "Session destroyed", "url", s.URL())
}

// parseServerOS extracts system.os from a /system_stats payload.
func parseServerOS(stats json.RawMessage) string {
	var parsed struct {
		System struct {
			OS string `json:"os"`
		} `json:"system"`
	}
	if err := json.Unmarshal(stats, &parsed); err != nil {
		return ""
	}
	return parsed.System.OS
}

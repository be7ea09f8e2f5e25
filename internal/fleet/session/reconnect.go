package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/zjrosen/comfyfleet/internal/log"
)

// ReconnectStrategy selects how reconnect delays grow per attempt.
type ReconnectStrategy string

const (
	ReconnectExponential ReconnectStrategy = "exponential"
	ReconnectLinear      ReconnectStrategy = "linear"
	ReconnectCustom      ReconnectStrategy = "custom"
)

// Reconnect loop defaults.
const (
	DefaultReconnectAttempts = 10
	DefaultReconnectBase     = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultJitterPercent     = 30
)

// ReconnectConfig controls the reconnect loop for a session's event channel.
type ReconnectConfig struct {
	// MaxAttempts is the number of reconnect attempts before giving up.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelay seeds the delay growth curve.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Strategy selects the growth curve. Defaults to exponential.
	Strategy ReconnectStrategy `mapstructure:"strategy"`
	// JitterPercent adds ±(p/100)·delay/2 noise. 0 disables jitter.
	JitterPercent int `mapstructure:"jitter_percent"`
	// CustomDelayFn is consulted when Strategy is ReconnectCustom.
	// Receives the 1-based attempt number.
	CustomDelayFn func(attempt int) time.Duration `mapstructure:"-"`
}

// withDefaults fills zero values with the documented defaults.
func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultReconnectAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultReconnectBase
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultReconnectMax
	}
	if c.Strategy == "" {
		c.Strategy = ReconnectExponential
	}
	return c
}

// Delay computes the jitter-free delay for a 1-based attempt number.
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch c.Strategy {
	case ReconnectLinear:
		d = c.BaseDelay * time.Duration(attempt)
	case ReconnectCustom:
		if c.CustomDelayFn != nil {
			d = c.CustomDelayFn(attempt)
		} else {
			d = c.BaseDelay
		}
	default: // exponential
		d = c.BaseDelay << (attempt - 1)
		if d <= 0 {
			// Shift overflow on large attempt numbers.
			d = c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// JitteredDelay applies the configured jitter to Delay(attempt).
func (c ReconnectConfig) JitteredDelay(attempt int) time.Duration {
	d := c.Delay(attempt)
	if c.JitterPercent <= 0 {
		return d
	}
	half := float64(d) * float64(c.JitterPercent) / 100 / 2
	noise := (rand.Float64()*2 - 1) * half
	j := time.Duration(float64(d) + noise)
	if j < 0 {
		j = 0
	}
	return j
}

// reconnectController serializes reconnect loops for one session.
// At most one loop runs at a time; abort preempts the pending sleep.
type reconnectController struct {
	cfg     ReconnectConfig
	mu      sync.Mutex
	running bool
	abort   chan struct{}
}

func newReconnectController(cfg ReconnectConfig) *reconnectController {
	return &reconnectController{cfg: cfg.withDefaults()}
}

// inFlight reports whether a reconnect loop is currently running.
func (r *reconnectController) inFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// start launches the reconnect loop for s unless one is already running.
func (r *reconnectController) start(s *Session) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.abort = make(chan struct{})
	abort := r.abort
	r.mu.Unlock()

	log.SafeGo("session.reconnect["+s.URL()+"]", func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()
		r.loop(s, abort)
	})
}

// stop aborts a running loop. Idempotent.
func (r *reconnectController) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.abort != nil {
		select {
		case <-r.abort:
			// Already aborted
		default:
			close(r.abort)
		}
	}
}

func (r *reconnectController) loop(s *Session, abort chan struct{}) {
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		delay := r.cfg.JitteredDelay(attempt)
		log.Debug(log.CatSession, "Reconnect attempt scheduled",
			"url", s.URL(), "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-abort:
			timer.Stop()
			return
		case <-timer.C:
		}

		// The channel may have come back while we slept (e.g. polling
		// fallback re-established it).
		if s.channelHealthy() {
			return
		}

		if err := s.openChannel(true); err != nil {
			log.Debug(log.CatSession, "Reconnect attempt failed",
				"url", s.URL(), "attempt", attempt, "error", err)
			continue
		}
		return
	}

	log.Warn(log.CatSession, "Reconnection attempts exhausted",
		"url", s.URL(), "attempts", r.cfg.MaxAttempts)
	s.emit(Event{Type: EventReconnectionFailed, SessionID: s.ID()})
	s.startPolling()
}

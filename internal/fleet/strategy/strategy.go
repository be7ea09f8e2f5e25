// Package strategy decides which sessions a workflow should avoid after
// repeated failures, so retries land on servers that can actually run it.
package strategy

import (
	"sync"
	"time"

	"github.com/zjrosen/comfyfleet/internal/log"
)

// FailoverStrategy is consulted during dispatch and after each attempt.
// Implementations must be safe for concurrent use.
type FailoverStrategy interface {
	// ShouldSkipClient reports whether sessionID should not receive the
	// workflow identified by fingerprint right now.
	ShouldSkipClient(sessionID, fingerprint string) bool
	// RecordFailure notes a failed attempt of fingerprint on sessionID.
	// It reports whether this call newly placed the pair in cooldown, so
	// the caller can announce the block exactly once.
	RecordFailure(sessionID, fingerprint string) bool
	// RecordSuccess notes a successful run, clearing failure history for
	// the pair.
	RecordSuccess(sessionID, fingerprint string)
}

// Resetter is optionally implemented to clear all history for a workflow.
type Resetter interface {
	ResetForWorkflow(fingerprint string)
}

// BlockReporter is optionally implemented to report whether a workflow is
// currently blocked everywhere it has been tried.
type BlockReporter interface {
	IsWorkflowBlocked(fingerprint string, sessionIDs []string) bool
}

// Noop never skips and records nothing. Useful for single-server fleets.
type Noop struct{}

func (Noop) ShouldSkipClient(string, string) bool { return false }
func (Noop) RecordFailure(string, string) bool    { return false }
func (Noop) RecordSuccess(string, string)         {}

// Smart defaults.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 5 * time.Minute
)

// Smart tracks consecutive failures per (session, workflow fingerprint)
// and places the pair in cooldown once the threshold is hit. Success on
// any session clears that pair immediately.
type Smart struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[pairKey]*pairState
}

type pairKey struct {
	sessionID   string
	fingerprint string
}

type pairState struct {
	consecutive   int
	cooldownUntil time.Time
}

// SmartOption tunes a Smart strategy.
type SmartOption func(*Smart)

// WithFailureThreshold sets how many consecutive failures trigger cooldown.
func WithFailureThreshold(n int) SmartOption {
	return func(s *Smart) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithCooldown sets how long a tripped pair is skipped.
func WithCooldown(d time.Duration) SmartOption {
	return func(s *Smart) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) SmartOption {
	return func(s *Smart) { s.now = now }
}

// NewSmart builds a Smart strategy with the given options.
func NewSmart(opts ...SmartOption) *Smart {
	s := &Smart{
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		entries:   make(map[pairKey]*pairState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldSkipClient reports whether the pair is in an active cooldown.
// An expired cooldown clears the entry so the pair gets a fresh start.
func (s *Smart) ShouldSkipClient(sessionID, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{sessionID, fingerprint}
	st, ok := s.entries[key]
	if !ok || st.cooldownUntil.IsZero() {
		return false
	}
	if s.now().Before(st.cooldownUntil) {
		return true
	}
	delete(s.entries, key)
	return false
}

// RecordFailure bumps the consecutive counter and trips the cooldown at
// the threshold, reporting whether the cooldown was newly set.
func (s *Smart) RecordFailure(sessionID, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{sessionID, fingerprint}
	st, ok := s.entries[key]
	if !ok {
		st = &pairState{}
		s.entries[key] = st
	}
	st.consecutive++
	if st.consecutive >= s.threshold && st.cooldownUntil.IsZero() {
		st.cooldownUntil = s.now().Add(s.cooldown)
		log.Info(log.CatStrategy, "Workflow cooled down on session",
			"session", sessionID, "fingerprint", fingerprint,
			"failures", st.consecutive, "until", st.cooldownUntil)
		return true
	}
	return false
}

// RecordSuccess clears the pair's failure history.
func (s *Smart) RecordSuccess(sessionID, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pairKey{sessionID, fingerprint})
}

// ResetForWorkflow clears history for the fingerprint on every session.
func (s *Smart) ResetForWorkflow(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.fingerprint == fingerprint {
			delete(s.entries, key)
		}
	}
}

// IsWorkflowBlocked reports whether the fingerprint is in cooldown on
// every one of the given sessions. An empty session list is not blocked.
func (s *Smart) IsWorkflowBlocked(fingerprint string, sessionIDs []string) bool {
	if len(sessionIDs) == 0 {
		return false
	}
	for _, id := range sessionIDs {
		if !s.ShouldSkipClient(id, fingerprint) {
			return false
		}
	}
	return true
}

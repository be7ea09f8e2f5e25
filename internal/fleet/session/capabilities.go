package session

import (
	"context"

	"github.com/zjrosen/comfyfleet/internal/log"
)

// Capabilities records which optional server surfaces a session exposes.
// The required surfaces (submit, interrupt, upload, queue status, feature
// flags) are not probed; a server that lacks them simply fails the
// corresponding calls.
type Capabilities struct {
	// Checkpoints is set when the server exposes checkpoint metadata
	// through its CheckpointLoaderSimple node.
	Checkpoints bool
	// Monitoring is set when /system_stats responds.
	Monitoring bool
	// Terminal is set when the session mirrors server text frames.
	Terminal bool
}

// Capabilities probes the server's optional surfaces and records the
// result. Once any probe succeeds the result is latched and returned on
// every later call; while the server is unreachable the probe repeats, so
// a session registered before its server came up is not marked bare
// forever.
func (s *Session) Capabilities(ctx context.Context) Capabilities {
	s.mu.Lock()
	if s.capsProbed {
		caps := s.caps
		s.mu.Unlock()
		return caps
	}
	s.mu.Unlock()

	caps := Capabilities{Terminal: s.cfg.ListenTerminal}
	_, ckErr := s.Checkpoints(ctx)
	_, statsErr := s.SystemStats(ctx)
	caps.Checkpoints = ckErr == nil
	caps.Monitoring = statsErr == nil

	if ckErr != nil && statsErr != nil {
		// Server likely unreachable; report bare but do not latch.
		return caps
	}

	log.Debug(log.CatSession, "Probed capabilities", "url", s.URL(),
		"checkpoints", caps.Checkpoints, "monitoring", caps.Monitoring,
		"terminal", caps.Terminal)

	s.mu.Lock()
	if !s.capsProbed {
		s.capsProbed = true
		s.caps = caps
	}
	caps = s.caps
	s.mu.Unlock()
	return caps
}

package config

import (
	"github.com/zjrosen/comfyfleet/internal/fleet/session"
)

// SessionConfig converts a server entry into the session configuration
// the fleet layer consumes.
func (s ServerConfig) SessionConfig() session.Config {
	cfg := session.DefaultConfig(s.URL)
	cfg.Headers = s.Headers
	cfg.ListenTerminal = s.ListenTerminal
	if s.WSTimeout > 0 {
		cfg.WSTimeout = s.WSTimeout
	}
	if s.Username != "" || s.BearerToken != "" {
		cfg.Credentials = &session.Credentials{
			Username:    s.Username,
			Password:    s.Password,
			BearerToken: s.BearerToken,
		}
	}
	cfg.Reconnect = session.ReconnectConfig{
		MaxAttempts:   s.Reconnect.MaxAttempts,
		BaseDelay:     s.Reconnect.BaseDelay,
		MaxDelay:      s.Reconnect.MaxDelay,
		Strategy:      session.ReconnectStrategy(s.Reconnect.Strategy),
		JitterPercent: s.Reconnect.JitterPercent,
	}
	return cfg
}

// Package config provides configuration types, defaults, and persistence
// for comfyfleet.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/comfyfleet/internal/log"
	"github.com/zjrosen/comfyfleet/internal/tracing"
)

// ReconnectConfig tunes a server's event-channel reconnect loop.
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"` // 0 = default (10)
	BaseDelay   time.Duration `mapstructure:"base_delay"`   // 0 = default (1s)
	MaxDelay    time.Duration `mapstructure:"max_delay"`    // 0 = default (30s)
	// Strategy is "exponential" (default) or "linear".
	Strategy string `mapstructure:"strategy"`
	// JitterPercent spreads reconnect attempts; 0 disables jitter.
	JitterPercent int `mapstructure:"jitter_percent"`
}

// ServerConfig describes one ComfyUI server in the fleet.
type ServerConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`

	// Basic auth, or a bearer token. Both may be empty for open servers.
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	BearerToken string `mapstructure:"bearer_token"`

	// WSTimeout is the idle watchdog threshold. 0 = default (30s).
	WSTimeout time.Duration `mapstructure:"ws_timeout"`

	// ListenTerminal mirrors the server's text frames into the log.
	ListenTerminal bool `mapstructure:"listen_terminal"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// ManagerConfig tunes the client manager.
type ManagerConfig struct {
	// HealthPingInterval is the liveness probe cadence. 0 disables
	// pinging; Defaults() sets 30s.
	HealthPingInterval time.Duration `mapstructure:"health_ping_interval"`
	// ReconnectGrace holds a reconnected client out of dispatch. 0 = 10s.
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
	// FailoverThreshold is the consecutive failure count before a
	// (client, workflow) pair is skipped. 0 = default (3).
	FailoverThreshold int `mapstructure:"failover_threshold"`
	// FailoverCooldown is how long a skipped pair stays skipped. 0 = 5m.
	FailoverCooldown time.Duration `mapstructure:"failover_cooldown"`
}

// PoolConfig tunes the workflow pool.
type PoolConfig struct {
	// QueuePath is the SQLite database for the durable queue.
	// Empty uses the in-memory queue.
	QueuePath string `mapstructure:"queue_path"`
	// RetryBackoff, when positive, overrides every job's retry delay.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// ExecutionStartTimeout is the pool default (5s when zero).
	ExecutionStartTimeout time.Duration `mapstructure:"execution_start_timeout"`
	// NodeExecutionTimeout is the pool default (5m when zero).
	NodeExecutionTimeout time.Duration `mapstructure:"node_execution_timeout"`
	// EnableProfiling attaches per-node execution profiles to jobs.
	EnableProfiling bool `mapstructure:"enable_profiling"`
}

// SpoolConfig configures the workflow spool directory watcher.
type SpoolConfig struct {
	// Dir is the directory watched for workflow JSON files.
	Dir string `mapstructure:"dir"`
	// Debounce coalesces rapid file events. 0 = default (500ms).
	Debounce time.Duration `mapstructure:"debounce"`
}

// Config holds all configuration options for comfyfleet.
type Config struct {
	Servers []ServerConfig `mapstructure:"servers"`
	Manager ManagerConfig  `mapstructure:"manager"`
	Pool    PoolConfig     `mapstructure:"pool"`
	Spool   SpoolConfig    `mapstructure:"spool"`
	Tracing tracing.Config `mapstructure:"tracing"`

	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `mapstructure:"log_level"`
	// LogFile is the structured log destination. Empty disables file logging.
	LogFile string `mapstructure:"log_file"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Manager: ManagerConfig{
			HealthPingInterval: 30 * time.Second,
			ReconnectGrace:     10 * time.Second,
			FailoverThreshold:  3,
			FailoverCooldown:   5 * time.Minute,
		},
		Pool: PoolConfig{
			ExecutionStartTimeout: 5 * time.Second,
			NodeExecutionTimeout:  5 * time.Minute,
		},
		Spool: SpoolConfig{
			Debounce: 500 * time.Millisecond,
		},
		Tracing:  tracing.DefaultConfig(),
		LogLevel: "info",
	}
}

// ParseLogLevel maps a config level string to a log.Level.
func ParseLogLevel(s string) (log.Level, error) {
	switch s {
	case "", "info":
		return log.LevelInfo, nil
	case "debug":
		return log.LevelDebug, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	default:
		return log.LevelInfo, fmt.Errorf("log_level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", s)
	}
}

// ValidateServers checks the server list for errors. An empty list is
// valid; servers can be added later.
func ValidateServers(servers []ServerConfig) error {
	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		if s.URL == "" {
			return fmt.Errorf("server %d: url is required", i)
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("server %d: invalid url %q: %w", i, s.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server %d (%s): url scheme must be http or https", i, s.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("server %d (%s): url has no host", i, s.URL)
		}
		if seen[s.URL] {
			return fmt.Errorf("server %d (%s): duplicate url", i, s.URL)
		}
		seen[s.URL] = true

		if s.BearerToken != "" && s.Username != "" {
			return fmt.Errorf("server %d (%s): bearer_token and username are mutually exclusive", i, s.URL)
		}
		if err := validateReconnect(i, s.URL, s.Reconnect); err != nil {
			return err
		}
	}
	return nil
}

func validateReconnect(i int, serverURL string, rc ReconnectConfig) error {
	switch rc.Strategy {
	case "", "exponential", "linear":
	default:
		return fmt.Errorf("server %d (%s): reconnect.strategy must be \"exponential\" or \"linear\", got %q",
			i, serverURL, rc.Strategy)
	}
	if rc.JitterPercent < 0 || rc.JitterPercent > 100 {
		return fmt.Errorf("server %d (%s): reconnect.jitter_percent must be between 0 and 100, got %d",
			i, serverURL, rc.JitterPercent)
	}
	if rc.MaxAttempts < 0 {
		return fmt.Errorf("server %d (%s): reconnect.max_attempts must not be negative", i, serverURL)
	}
	return nil
}

// ValidateManager checks manager configuration for errors.
func ValidateManager(m ManagerConfig) error {
	if m.FailoverThreshold < 0 {
		return fmt.Errorf("manager.failover_threshold must not be negative, got %d", m.FailoverThreshold)
	}
	if m.FailoverCooldown < 0 {
		return fmt.Errorf("manager.failover_cooldown must not be negative")
	}
	if m.ReconnectGrace < 0 {
		return fmt.Errorf("manager.reconnect_grace must not be negative")
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tc tracing.Config) error {
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}

	if tc.Exporter != "" {
		switch tc.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tc.Exporter)
		}
	}

	if tc.Enabled {
		if tc.Exporter == "file" && tc.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tc.Exporter == "otlp" && tc.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := ValidateServers(c.Servers); err != nil {
		return err
	}
	if err := ValidateManager(c.Manager); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Spool.Debounce < 0 {
		return fmt.Errorf("spool.debounce must not be negative")
	}
	return nil
}

// DefaultTracesFilePath returns ~/.config/comfyfleet/traces/traces.jsonl,
// or empty string if the home dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "comfyfleet", "traces", "traces.jsonl")
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# comfyfleet Configuration

# ComfyUI servers in the fleet. Each entry becomes a managed client.
servers: []
#  - url: http://gpu-1:8188
#    # Extra headers sent on every request (reverse proxies, tags):
#    # headers:
#    #   X-Fleet-Tag: gpu-pool-a
#    #
#    # Authentication (pick one):
#    # username: admin
#    # password: secret
#    # bearer_token: tok-abc123
#    #
#    # Idle watchdog threshold for the event channel (default 30s):
#    # ws_timeout: 30s
#    #
#    # Mirror the server's terminal output into the log:
#    # listen_terminal: false
#    #
#    # Reconnect behavior after a dropped channel:
#    # reconnect:
#    #   max_attempts: 10        # attempts before polling fallback
#    #   base_delay: 1s
#    #   max_delay: 30s
#    #   strategy: exponential   # exponential or linear
#    #   jitter_percent: 30

# Client manager settings
manager:
  health_ping_interval: 30s   # liveness probe cadence (0 disables)
  reconnect_grace: 10s        # hold reconnected clients out of dispatch
  failover_threshold: 3       # consecutive failures before a pair is skipped
  failover_cooldown: 5m       # how long a skipped pair stays skipped

# Workflow pool settings
pool:
  # queue_path: ~/.config/comfyfleet/queue.db  # durable queue (default: in-memory)
  execution_start_timeout: 5s
  node_execution_timeout: 5m
  # retry_backoff: 2s        # overrides per-job retry delay when set
  enable_profiling: false

# Workflow spool: drop *.json workflow files here to enqueue them
# spool:
#   dir: /var/spool/comfyfleet
#   debounce: 500ms

# Structured logging
log_level: info
# log_file: ~/.config/comfyfleet/comfyfleet.log

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file             # none, file, stdout, otlp
#   file_path: ~/.config/comfyfleet/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

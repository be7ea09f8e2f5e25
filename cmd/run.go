package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/comfyfleet/internal/config"
	"github.com/zjrosen/comfyfleet/internal/fleet/manager"
	"github.com/zjrosen/comfyfleet/internal/fleet/pool"
	"github.com/zjrosen/comfyfleet/internal/fleet/queue"
	"github.com/zjrosen/comfyfleet/internal/fleet/session"
	"github.com/zjrosen/comfyfleet/internal/fleet/strategy"
	"github.com/zjrosen/comfyfleet/internal/infrastructure/sqlite"
	"github.com/zjrosen/comfyfleet/internal/log"
	"github.com/zjrosen/comfyfleet/internal/tracing"
	"github.com/zjrosen/comfyfleet/internal/watcher"
)

var (
	runPriority    int
	runMaxAttempts int
	runOnce        bool
	runFreeAfter   bool
)

var runCmd = &cobra.Command{
	Use:   "run [workflow.json ...]",
	Short: "Run the fleet daemon",
	Long: `Connects to every configured ComfyUI server, enqueues the given workflow
files, and streams job events as JSON lines on stdout. When a spool
directory is configured, workflow files dropped there are enqueued too.
With --once the daemon exits after the given workflows finish.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().IntVar(&runPriority, "priority", 0,
		"priority for workflows given on the command line (higher runs first)")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 0,
		"max attempts per workflow (default 3)")
	runCmd.Flags().BoolVar(&runOnce, "once", false,
		"exit after the command-line workflows finish")
	runCmd.Flags().BoolVar(&runFreeAfter, "free-after", false,
		"ask each server to unload models and free memory after a job completes")

	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("no servers configured; add one with 'comfyfleet servers add' or edit %s", configFilePath())
	}
	if runOnce && len(args) == 0 {
		return fmt.Errorf("--once requires at least one workflow file")
	}

	if cfg.LogFile != "" {
		closeLog, err := log.Init(expandHome(cfg.LogFile))
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer closeLog()
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		log.SetMinLevel(level)
	}

	tracerProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := manager.New(manager.Config{
		HealthPingInterval: cfg.Manager.HealthPingInterval,
		ReconnectGrace:     cfg.Manager.ReconnectGrace,
		Strategy: strategy.NewSmart(
			strategy.WithFailureThreshold(cfg.Manager.FailoverThreshold),
			strategy.WithCooldown(cfg.Manager.FailoverCooldown),
		),
	})

	adapter, closeQueue, err := openQueue()
	if err != nil {
		return err
	}
	if closeQueue != nil {
		defer closeQueue()
	}

	p, err := pool.New(pool.Config{
		Manager:               mgr,
		Queue:                 adapter,
		RetryBackoff:          cfg.Pool.RetryBackoff,
		ExecutionStartTimeout: cfg.Pool.ExecutionStartTimeout,
		NodeExecutionTimeout:  cfg.Pool.NodeExecutionTimeout,
		EnableProfiling:       cfg.Pool.EnableProfiling,
	})
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	defer p.Shutdown()

	events := p.Subscribe(ctx)

	sessions := make(map[string]*session.Session, len(cfg.Servers))
	for _, server := range cfg.Servers {
		sess, err := session.New(server.SessionConfig())
		if err != nil {
			return fmt.Errorf("server %s: %w", server.URL, err)
		}
		go func(url string, s *session.Session) {
			// Init retries internally; offline servers keep polling in the
			// background rather than blocking startup.
			if err := s.Init(ctx, 3, 2*time.Second); err != nil {
				log.Warn(log.CatManager, "Server unreachable at startup", "url", url, "error", err)
			}
		}(server.URL, sess)
		clientID, err := p.AddClient(sess)
		if err != nil {
			return fmt.Errorf("registering %s: %w", server.URL, err)
		}
		sessions[clientID] = sess
	}

	tracked := make(map[string]bool, len(args))
	for _, path := range args {
		id, err := enqueueFile(ctx, p, path)
		if err != nil {
			return err
		}
		tracked[id] = true
	}

	if cfg.Spool.Dir != "" {
		spool, err := watcher.New(watcher.Config{
			Dir:         expandHome(cfg.Spool.Dir),
			DebounceDur: cfg.Spool.Debounce,
		})
		if err != nil {
			return fmt.Errorf("creating spool watcher: %w", err)
		}
		files, err := spool.Start()
		if err != nil {
			return fmt.Errorf("watching spool: %w", err)
		}
		defer func() { _ = spool.Stop() }()

		log.SafeGo("cmd.spool", func() {
			for {
				select {
				case path, ok := <-files:
					if !ok {
						return
					}
					if _, err := enqueueFile(ctx, p, path); err != nil {
						log.ErrorErr(log.CatWatch, "Failed to enqueue spooled workflow", err, "path", path)
					}
				case <-ctx.Done():
					return
				}
			}
		})
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	remaining := len(tracked)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := encoder.Encode(eventRecord(ev.Payload)); err != nil {
				return fmt.Errorf("writing event: %w", err)
			}
			if runFreeAfter && ev.Payload.Type == pool.EventJobCompleted {
				if sess, ok := sessions[ev.Payload.ClientID]; ok {
					sess.FreeMemory(ctx, true, true)
				}
			}
			if runOnce && tracked[ev.Payload.JobID] && isTerminal(ev.Payload) {
				delete(tracked, ev.Payload.JobID)
				remaining--
				if remaining == 0 {
					return nil
				}
			}
		}
	}
}

// openQueue returns the configured queue adapter: sqlite-backed when
// pool.queue_path is set, in-memory otherwise.
func openQueue() (queue.Adapter, func(), error) {
	if cfg.Pool.QueuePath == "" {
		return queue.NewMemory(), nil, nil
	}

	db, err := sqlite.NewDB(expandHome(cfg.Pool.QueuePath))
	if err != nil {
		return nil, nil, fmt.Errorf("opening queue database: %w", err)
	}
	adapter, err := sqlite.NewQueue(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("preparing queue database: %w", err)
	}
	return adapter, func() { _ = db.Close() }, nil
}

// enqueueFile reads a workflow JSON file and submits it to the pool.
func enqueueFile(ctx context.Context, p *pool.Pool, path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return "", fmt.Errorf("reading workflow %s: %w", path, err)
	}

	var workflow map[string]any
	if err := json.Unmarshal(data, &workflow); err != nil {
		return "", fmt.Errorf("parsing workflow %s: %w", path, err)
	}

	id, err := p.Enqueue(ctx, workflow, pool.Options{
		Priority:    runPriority,
		MaxAttempts: runMaxAttempts,
		Metadata:    map[string]any{"source": path},
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", path, err)
	}

	log.Info(log.CatPool, "Enqueued workflow", "path", path, "job", id)
	return id, nil
}

// jobEventJSON is the stdout wire shape of one pool event. Preview image
// bytes are summarized by size rather than inlined.
type jobEventJSON struct {
	Time        string         `json:"time"`
	Type        string         `json:"type"`
	JobID       string         `json:"job_id,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
	PromptID    string         `json:"prompt_id,omitempty"`
	Node        string         `json:"node,omitempty"`
	Value       int            `json:"value,omitempty"`
	Max         int            `json:"max,omitempty"`
	OutputNode  string         `json:"output_node,omitempty"`
	PreviewSize int            `json:"preview_bytes,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	WillRetry   bool           `json:"will_retry,omitempty"`
	RetryDelay  string         `json:"retry_delay,omitempty"`
	Online      bool           `json:"online,omitempty"`
	Busy        bool           `json:"busy,omitempty"`
}

func eventRecord(ev pool.Event) jobEventJSON {
	rec := jobEventJSON{
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:        string(ev.Type),
		JobID:       ev.JobID,
		ClientID:    ev.ClientID,
		PromptID:    ev.PromptID,
		Node:        ev.Node,
		Value:       ev.Value,
		Max:         ev.Max,
		OutputNode:  ev.OutputNode,
		PreviewSize: len(ev.Image),
		Result:      ev.Result,
		WillRetry:   ev.WillRetry,
		Online:      ev.Online,
		Busy:        ev.Busy,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	if ev.RetryDelay > 0 {
		rec.RetryDelay = ev.RetryDelay.String()
	}
	return rec
}

func isTerminal(ev pool.Event) bool {
	switch ev.Type {
	case pool.EventJobCompleted, pool.EventJobCancelled:
		return true
	case pool.EventJobFailed:
		return !ev.WillRetry
	default:
		return false
	}
}

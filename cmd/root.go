// Package cmd wires the comfyfleet CLI: config loading, the run daemon and
// the servers management commands.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/comfyfleet/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "comfyfleet",
	Short:   "Schedule ComfyUI workflows across a fleet of servers",
	Long: `comfyfleet runs image-generation workflows against a fleet of ComfyUI
servers: it tracks which servers are alive, picks a compatible one per
workflow, retries elsewhere on failure, and streams job events as JSON lines.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/comfyfleet/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("manager.health_ping_interval", defaults.Manager.HealthPingInterval)
	viper.SetDefault("manager.reconnect_grace", defaults.Manager.ReconnectGrace)
	viper.SetDefault("manager.failover_threshold", defaults.Manager.FailoverThreshold)
	viper.SetDefault("manager.failover_cooldown", defaults.Manager.FailoverCooldown)
	viper.SetDefault("pool.execution_start_timeout", defaults.Pool.ExecutionStartTimeout)
	viper.SetDefault("pool.node_execution_timeout", defaults.Pool.NodeExecutionTimeout)
	viper.SetDefault("spool.debounce", defaults.Spool.Debounce)
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .comfyfleet/config.yaml (current directory)
		// 2. ~/.config/comfyfleet/config.yaml (user config)
		if _, err := os.Stat(".comfyfleet/config.yaml"); err == nil {
			viper.SetConfigFile(".comfyfleet/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "comfyfleet"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at ~/.config/comfyfleet
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			home, homeErr := os.UserHomeDir()
			if homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "comfyfleet", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// configFilePath returns the path of the loaded config file, or the default
// location when nothing was loaded.
func configFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".comfyfleet/config.yaml"
	}
	return filepath.Join(home, ".config", "comfyfleet", "config.yaml")
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

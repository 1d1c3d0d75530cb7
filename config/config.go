// Package config provides centralized configuration management using Viper,
// plus the static task and subscription-plan tables the node simulation is
// driven by. Configuration sources follow a clear hierarchy:
// Flags > Env > Config File > Defaults.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Default agent configuration values.
const (
	DefaultBackendBaseURL        = "http://localhost:4000/api"
	DefaultBackendEventsURL      = "ws://localhost:4000/api/events"
	DefaultDataDir               = "swarmnode-data"
	DefaultPlan                  = "free"
	DefaultUptimeSyncInterval    = 60 * time.Second
	DefaultOwnershipPollInterval = 10 * time.Second
	DefaultOwnershipLiveness     = 5 * time.Minute
	DefaultWarmupDelay           = 4 * time.Second
	DefaultToggleCooldown        = 2 * time.Second
	DefaultRetryInterval         = 10 * time.Second
	DefaultMaxRetryTime          = 5 * time.Minute
	DefaultLoggingLevel          = "info"
	DefaultLoggingFormat         = "color"
	DefaultLoggingQuiet          = false
	DefaultLoggingVerbose        = false
)

// AgentConfig is the full configuration of the node agent process.
type AgentConfig struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Node     NodeConfig     `mapstructure:"node"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BackendConfig defines how the agent reaches the rewards backend.
type BackendConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	EventsURL     string        `mapstructure:"events_url"`
	AuthToken     string        `mapstructure:"auth_token"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetryTime  time.Duration `mapstructure:"max_retry_time"`
}

// StorageConfig defines where slice state is persisted locally.
type StorageConfig struct {
	// DataDir is the leveldb directory holding node, task, earnings and
	// uptime state. An empty value selects the in-memory store.
	DataDir string `mapstructure:"data_dir"`
}

// NodeConfig defines the simulation parameters of this agent.
type NodeConfig struct {
	Plan               string        `mapstructure:"plan"`
	UptimeSyncInterval time.Duration `mapstructure:"uptime_sync_interval"`
	WarmupDelay        time.Duration `mapstructure:"warmup_delay"`
	ToggleCooldown     time.Duration `mapstructure:"toggle_cooldown"`
}

// SessionsConfig tunes the cross-tab ownership coordinator.
type SessionsConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Format  string `mapstructure:"format"`  // text, color, json
	Quiet   bool   `mapstructure:"quiet"`   // suppress all but errors
	Verbose bool   `mapstructure:"verbose"` // enable debug logs
}

func (c *AgentConfig) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateNode(); err != nil {
		return err
	}
	if err := c.validateSessions(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *AgentConfig) validateBackend() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url cannot be empty")
	}
	if c.Backend.RetryInterval < time.Second {
		return fmt.Errorf("backend.retry_interval too short (minimum 1s), got %v", c.Backend.RetryInterval)
	}
	if c.Backend.MaxRetryTime < c.Backend.RetryInterval {
		return fmt.Errorf("backend.max_retry_time (%v) must be >= backend.retry_interval (%v)", c.Backend.MaxRetryTime, c.Backend.RetryInterval)
	}
	return nil
}

func (c *AgentConfig) validateNode() error {
	validPlans := map[string]bool{"free": true, "basic": true, "ultimate": true, "enterprise": true}
	if !validPlans[c.Node.Plan] {
		return fmt.Errorf("invalid node.plan: %q (must be free, basic, ultimate, or enterprise)", c.Node.Plan)
	}
	if c.Node.UptimeSyncInterval < time.Second {
		return fmt.Errorf("node.uptime_sync_interval too short (minimum 1s), got %v", c.Node.UptimeSyncInterval)
	}
	if c.Node.WarmupDelay < 0 {
		return fmt.Errorf("node.warmup_delay cannot be negative, got %v", c.Node.WarmupDelay)
	}
	if c.Node.ToggleCooldown < 0 {
		return fmt.Errorf("node.toggle_cooldown cannot be negative, got %v", c.Node.ToggleCooldown)
	}
	return nil
}

func (c *AgentConfig) validateSessions() error {
	if c.Sessions.PollInterval < time.Second {
		return fmt.Errorf("sessions.poll_interval too short (minimum 1s), got %v", c.Sessions.PollInterval)
	}
	if c.Sessions.LivenessWindow < c.Sessions.PollInterval {
		return fmt.Errorf("sessions.liveness_window (%v) must be >= sessions.poll_interval (%v)", c.Sessions.LivenessWindow, c.Sessions.PollInterval)
	}
	return nil
}

func (c *AgentConfig) validateLogging() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "color": true, "json": true}
	if c.Logging.Format != "" && !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %q (must be text, color, or json)", c.Logging.Format)
	}
	return nil
}

// PlanName returns the typed subscription plan from the config.
func (c *AgentConfig) PlanName() Plan {
	return Plan(c.Node.Plan)
}

// LoadAgentConfig loads agent configuration from file, environment, and
// defaults.
//
// Configuration sources are applied in the following precedence order
// (highest to lowest):
//  1. Command-line flags (handled by caller, not by this function)
//  2. Environment variables (SWARM_NODE_* prefix, e.g. SWARM_NODE_BACKEND_BASE_URL)
//  3. Configuration file (agent-config.yaml or specified path)
//  4. Default values
//
// If configPath is empty, the function searches for "agent-config.yaml" in
// the current directory, ~/.swarmnode, and /etc/swarmnode. A missing config
// file is not an error; defaults are used. If configPath is specified but
// unreadable, an error is returned. The loaded configuration is validated
// before being returned.
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	v := viper.New()

	setAgentDefaults(v)
	bindAgentSources(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// WatchAgentConfig starts a background watcher on the agent configuration
// file and calls the callback when a valid change is detected. Invalid
// reloads are logged and skipped. The watcher stops when the context is
// cancelled. If logger is nil, logging is disabled.
func WatchAgentConfig(ctx context.Context, configPath string, callback func(*AgentConfig), logger *slog.Logger) error {
	v := viper.New()

	setAgentDefaults(v)
	bindAgentSources(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if logger != nil {
			logger.Info("configuration file changed",
				"file", e.Name,
				"operation", e.Op.String())
		}

		var newConfig AgentConfig
		if err := v.Unmarshal(&newConfig); err != nil {
			if logger != nil {
				logger.Error("failed to unmarshal config on reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if err := newConfig.Validate(); err != nil {
			if logger != nil {
				logger.Error("invalid configuration after reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if logger != nil {
			logger.Info("configuration reloaded successfully", "file", e.Name)
		}

		callback(&newConfig)
	})

	go func() {
		<-ctx.Done()
		if logger != nil {
			logger.Debug("config watcher stopped", "reason", "context cancelled")
		}
	}()

	return nil
}

func bindAgentSources(v *viper.Viper, configPath string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agent-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.swarmnode")
		v.AddConfigPath("/etc/swarmnode")
	}

	v.SetEnvPrefix("SWARM_NODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", DefaultBackendBaseURL)
	v.SetDefault("backend.events_url", DefaultBackendEventsURL)
	v.SetDefault("backend.auth_token", "")
	v.SetDefault("backend.retry_interval", DefaultRetryInterval)
	v.SetDefault("backend.max_retry_time", DefaultMaxRetryTime)
	v.SetDefault("storage.data_dir", DefaultDataDir)
	v.SetDefault("node.plan", DefaultPlan)
	v.SetDefault("node.uptime_sync_interval", DefaultUptimeSyncInterval)
	v.SetDefault("node.warmup_delay", DefaultWarmupDelay)
	v.SetDefault("node.toggle_cooldown", DefaultToggleCooldown)
	v.SetDefault("sessions.poll_interval", DefaultOwnershipPollInterval)
	v.SetDefault("sessions.liveness_window", DefaultOwnershipLiveness)
	v.SetDefault("logging.level", DefaultLoggingLevel)
	v.SetDefault("logging.format", DefaultLoggingFormat)
	v.SetDefault("logging.quiet", DefaultLoggingQuiet)
	v.SetDefault("logging.verbose", DefaultLoggingVerbose)
}

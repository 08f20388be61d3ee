// Package config loads and validates the relay configuration file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaylabs/relay/internal/toolserver"
)

// Config is the root configuration structure for relay.
type Config struct {
	Engine      EngineConfig       `yaml:"engine"`
	ToolServers []ToolServerConfig `yaml:"tool_servers"`
	State       StateConfig        `yaml:"state"`
	Cache       CacheConfig        `yaml:"cache"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// EngineConfig holds the per-turn defaults for the agent engine.
type EngineConfig struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	CheckpointEvery   int           `yaml:"checkpoint_every"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	FallbackMessage   string        `yaml:"fallback_message"`
}

// ToolServerConfig describes one tool server to connect at startup.
type ToolServerConfig struct {
	ID        string            `yaml:"id"`
	Transport string            `yaml:"transport"` // stdio | http | websocket
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	WorkDir   string            `yaml:"work_dir"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`

	InitTimeout time.Duration `yaml:"init_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Enabled defaults to true; set false to keep a server configured but
	// skipped.
	Enabled *bool `yaml:"enabled"`
}

// StateConfig selects the thread-state persistence backend.
type StateConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`   // sqlite database file
}

// CacheConfig tunes the tiered response cache.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ShortTTL        time.Duration `yaml:"short_ttl"`
	MediumTTL       time.Duration `yaml:"medium_ttl"`
	LongTTL         time.Duration `yaml:"long_ttl"`
	VeryLongTTL     time.Duration `yaml:"very_long_ttl"`
	JanitorSchedule string        `yaml:"janitor_schedule"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Load reads and parses the configuration file. Environment variables in
// the file are expanded before parsing, and unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.MaxTokens == 0 {
		cfg.Engine.MaxTokens = 4096
	}
	if cfg.Engine.CheckpointEvery == 0 {
		cfg.Engine.CheckpointEvery = 5
	}
	if cfg.Engine.LockTimeout == 0 {
		cfg.Engine.LockTimeout = 10 * time.Second
	}
	if cfg.Engine.MaxToolIterations == 0 {
		cfg.Engine.MaxToolIterations = 10
	}
	if cfg.State.Driver == "" {
		cfg.State.Driver = "memory"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for inconsistencies a typo or a
// half-edited file would introduce.
func (c *Config) Validate() error {
	switch c.State.Driver {
	case "memory":
	case "sqlite":
		if c.State.Path == "" {
			return fmt.Errorf("state: sqlite driver requires a path")
		}
	default:
		return fmt.Errorf("state: unknown driver %q (memory or sqlite)", c.State.Driver)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}

	seen := map[string]bool{}
	for i, sc := range c.ToolServers {
		if sc.ID == "" {
			return fmt.Errorf("tool_servers[%d]: id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("tool_servers[%d]: duplicate id %q", i, sc.ID)
		}
		seen[sc.ID] = true
		if err := sc.toServerConfig().Validate(); err != nil {
			return fmt.Errorf("tool_servers[%d] (%s): %w", i, sc.ID, err)
		}
	}
	return nil
}

func (sc ToolServerConfig) toServerConfig() *toolserver.ServerConfig {
	enabled := true
	if sc.Enabled != nil {
		enabled = *sc.Enabled
	}
	return &toolserver.ServerConfig{
		ID:          sc.ID,
		Transport:   toolserver.TransportKind(sc.Transport),
		Enabled:     enabled,
		Command:     sc.Command,
		Args:        sc.Args,
		Env:         sc.Env,
		WorkDir:     sc.WorkDir,
		URL:         sc.URL,
		Headers:     sc.Headers,
		InitTimeout: sc.InitTimeout,
		CallTimeout: sc.CallTimeout,
	}
}

// ServerConfigs converts the tool-server section into the orchestrator's
// config type.
func (c *Config) ServerConfigs() []*toolserver.ServerConfig {
	out := make([]*toolserver.ServerConfig, 0, len(c.ToolServers))
	for _, sc := range c.ToolServers {
		out = append(out, sc.toServerConfig())
	}
	return out
}

// LogLevel maps the configured level to slog.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

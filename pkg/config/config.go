// Package config loads weft's YAML configuration. Environment variables
// referenced in the file (e.g. ${WEFT_JWT_SECRET}) are expanded before
// parsing, and a small set of WEFT_* variables override the file after
// parsing so containers can tune a baked-in config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the weft daemon.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Handler   HandlerConfig   `yaml:"handler"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
}

// GatewayConfig configures the websocket front door.
type GatewayConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	JWTSecret    string        `yaml:"jwt_secret"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// HandlerConfig tunes message dispatch.
type HandlerConfig struct {
	// ContinuityWindowMinutes is how far back a reply-less message may
	// attach to the sender's latest finished conversation. Zero disables
	// continuity detection entirely.
	ContinuityWindowMinutes int           `yaml:"continuity_window_minutes"`
	TurnTimeout             time.Duration `yaml:"turn_timeout"`
}

// ContinuityWindow returns the window as a duration.
func (h HandlerConfig) ContinuityWindow() time.Duration {
	return time.Duration(h.ContinuityWindowMinutes) * time.Minute
}

// SessionConfig configures the agent session pool.
type SessionConfig struct {
	Binary      string `yaml:"binary"`
	MaxSessions int    `yaml:"max_sessions"`
}

// StoreConfig selects the tree snapshot backend.
type StoreConfig struct {
	Type string `yaml:"type"` // "sqlite", "postgres", "redis"
	Path string `yaml:"path"` // For SQLite
	DSN  string `yaml:"dsn"`  // For Postgres
	Addr string `yaml:"addr"` // For Redis
	DB   int    `yaml:"db"`   // For Redis
}

// EventsConfig configures the optional NATS lifecycle event stream.
type EventsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RateLimitConfig tunes outbound platform flood control.
type RateLimitConfig struct {
	GlobalPerSecond  float64 `yaml:"global_per_second"`
	GlobalBurst      int     `yaml:"global_burst"`
	PerChatPerSecond float64 `yaml:"per_chat_per_second"`
	PerChatBurst     int     `yaml:"per_chat_burst"`
}

// HotReloadConfig enables watching the config file for handler tunables.
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration weft runs with when no file is
// given.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Handler: HandlerConfig{
			ContinuityWindowMinutes: 10,
			TurnTimeout:             10 * time.Minute,
		},
		Session: SessionConfig{
			Binary:      "claude",
			MaxSessions: 10,
		},
		Store: StoreConfig{
			Type: "sqlite",
			Path: "./weft.db",
		},
		Events: EventsConfig{
			Enabled:    false,
			URL:        "nats://localhost:4222",
			StreamName: "WEFT",
			Timeout:    5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
		},
	}
}

// LoadFromFile reads a YAML config, layered over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} references before parsing so secrets stay out of
	// the file itself.
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load returns the config from WEFT_CONFIG (or the given path when
// non-empty), falling back to defaults when neither names a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("WEFT_CONFIG")
	}
	if path == "" {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}
	return LoadFromFile(path)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WEFT_LISTEN_ADDR"); v != "" {
		c.Gateway.ListenAddr = v
	}
	if v := os.Getenv("WEFT_JWT_SECRET"); v != "" {
		c.Gateway.JWTSecret = v
	}
	if v := os.Getenv("WEFT_SESSION_BINARY"); v != "" {
		c.Session.Binary = v
	}
	if v := os.Getenv("WEFT_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSessions = n
		}
	}
	if v := os.Getenv("WEFT_CONTINUITY_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Handler.ContinuityWindowMinutes = n
		}
	}
	if v := os.Getenv("WEFT_STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("WEFT_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("WEFT_NATS_URL"); v != "" {
		c.Events.URL = v
		c.Events.Enabled = true
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Handler.ContinuityWindowMinutes < 0 {
		return fmt.Errorf("handler.continuity_window_minutes must not be negative, got %d", c.Handler.ContinuityWindowMinutes)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.max_sessions must be positive, got %d", c.Session.MaxSessions)
	}
	switch c.Store.Type {
	case "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("store.type must be sqlite, postgres or redis, got %q", c.Store.Type)
	}
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr must not be empty")
	}
	return nil
}

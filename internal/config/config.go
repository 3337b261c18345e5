// Package config provides configuration management for the controller.
// Configuration is loaded from environment variables with the CONTROLLER_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration settings for the controller.
type Config struct {
	Listener Listener
	HTTP     HTTP
	Data     Data
	Log      Log
}

// Listener holds the worker-agent TCP listener settings.
type Listener struct {
	// BindAddress is the address the agent listener binds to (default: 0.0.0.0)
	BindAddress string
	// AgentPort is the TCP port for inbound worker-agent connections (default: 50000)
	AgentPort int
	// HandshakeTimeout bounds the handshake reads on a new connection.
	// Zero disables the deadline (default: 30s).
	HandshakeTimeout time.Duration
	// ShutdownTimeout is the graceful shutdown timeout (default: 30s)
	ShutdownTimeout time.Duration
}

// HTTP holds the HTTP server settings (websocket agents, metrics, health).
type HTTP struct {
	// Enabled controls whether the HTTP server is started (default: true)
	Enabled bool
	// Port is the port for the websocket agent endpoint, /metrics and
	// /healthz (default: 8080)
	Port int
}

// Data holds on-disk state locations.
type Data struct {
	// Dir is the controller state directory (default: ./data)
	Dir string
	// SecretFile is the admission secret location (default: <dir>/secret.key)
	SecretFile string
	// DatabasePath is the sqlite worker roster location (default: <dir>/controller.db)
	DatabasePath string
	// WorkerLogDir is where per-worker connect logs are written (default: <dir>/logs)
	WorkerLogDir string
	// RosterManifest is an optional YAML roster file seeded into the
	// registry at startup (default: empty, disabled)
	RosterManifest string
}

// Log holds logging settings.
type Log struct {
	// Level is one of: debug, info, warn, error (default: info)
	Level string
	// Format is one of: json, console (default: json)
	Format string
}

// Load reads configuration from environment variables, applies defaults
// and validates the result.
func Load() (*Config, error) {
	dataDir := getEnv("CONTROLLER_DATA_DIR", "data")

	cfg := &Config{
		Listener: Listener{
			BindAddress:      getEnv("CONTROLLER_BIND_ADDRESS", "0.0.0.0"),
			AgentPort:        getEnvInt("CONTROLLER_AGENT_PORT", 50000),
			HandshakeTimeout: getEnvDuration("CONTROLLER_HANDSHAKE_TIMEOUT", 30*time.Second),
			ShutdownTimeout:  getEnvDuration("CONTROLLER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		HTTP: HTTP{
			Enabled: getEnvBool("CONTROLLER_HTTP_ENABLED", true),
			Port:    getEnvInt("CONTROLLER_HTTP_PORT", 8080),
		},
		Data: Data{
			Dir:            dataDir,
			SecretFile:     getEnv("CONTROLLER_SECRET_FILE", filepath.Join(dataDir, "secret.key")),
			DatabasePath:   getEnv("CONTROLLER_DATABASE_PATH", filepath.Join(dataDir, "controller.db")),
			WorkerLogDir:   getEnv("CONTROLLER_WORKER_LOG_DIR", filepath.Join(dataDir, "logs")),
			RosterManifest: getEnv("CONTROLLER_ROSTER_MANIFEST", ""),
		},
		Log: Log{
			Level:  getEnv("CONTROLLER_LOG_LEVEL", "info"),
			Format: getEnv("CONTROLLER_LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Listener.AgentPort < 1 || c.Listener.AgentPort > 65535 {
		errs = append(errs, fmt.Errorf("agent port out of range: %d", c.Listener.AgentPort))
	}
	if c.Listener.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("handshake timeout must not be negative: %s", c.Listener.HandshakeTimeout))
	}
	if c.HTTP.Enabled {
		if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
			errs = append(errs, fmt.Errorf("http port out of range: %d", c.HTTP.Port))
		}
		if c.HTTP.Port == c.Listener.AgentPort {
			errs = append(errs, errors.New("http port and agent port must differ"))
		}
	}
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data directory must not be empty"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// AgentAddr returns the listen address for the agent listener.
func (c *Config) AgentAddr() string {
	return fmt.Sprintf("%s:%d", c.Listener.BindAddress, c.Listener.AgentPort)
}

// HTTPAddr returns the listen address for the HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Listener.BindAddress, c.HTTP.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAddr            = "PARCELHUB_ADDR"
	EnvLogLevel        = "PARCELHUB_LOG_LEVEL"
	EnvLegacyBroadcast = "PARCELHUB_LEGACY_BROADCAST"
	EnvAllowedOrigins  = "PARCELHUB_ALLOWED_ORIGINS"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Hub       HubConfig       `yaml:"hub"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WebSocketConfig struct {
	// MaxConnections caps concurrent sockets; zero means unlimited.
	MaxConnections int           `yaml:"max_connections"`
	SendBuffer     int           `yaml:"send_buffer"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
}

// PingPeriod is how often the server pings each client. It must be shorter
// than PongWait.
func (w WebSocketConfig) PingPeriod() time.Duration {
	return w.PongWait * 9 / 10
}

type HubConfig struct {
	SweepInterval           time.Duration `yaml:"sweep_interval"`
	LegacyBroadcast         bool          `yaml:"legacy_broadcast"`
	MaxSubscriptionsPerConn int           `yaml:"max_subscriptions_per_conn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WSPath:          "/ws",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			MaxConnections: 10000,
			SendBuffer:     256,
			MaxMessageSize: 4096,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
		},
		Hub: HubConfig{
			SweepInterval:           time.Minute,
			LegacyBroadcast:         false,
			MaxSubscriptionsPerConn: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load config from yml, then apply environment overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLegacyBroadcast); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvLegacyBroadcast, v, err)
		}
		c.Hub.LegacyBroadcast = b
	}
	if v, ok := lookup(EnvAllowedOrigins); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	return nil
}

// Validate reports the first setting that is out of range.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("server.addr must not be empty")
	case !strings.HasPrefix(c.Server.WSPath, "/"):
		return fmt.Errorf("server.ws_path %q must start with /", c.Server.WSPath)
	case c.Server.ShutdownTimeout <= 0:
		return errors.New("server.shutdown_timeout must be positive")
	case c.WebSocket.MaxConnections < 0:
		return errors.New("websocket.max_connections must not be negative")
	case c.WebSocket.SendBuffer <= 0:
		return errors.New("websocket.send_buffer must be positive")
	case c.WebSocket.MaxMessageSize <= 0:
		return errors.New("websocket.max_message_size must be positive")
	case c.WebSocket.WriteWait <= 0:
		return errors.New("websocket.write_wait must be positive")
	case c.WebSocket.PongWait <= 0:
		return errors.New("websocket.pong_wait must be positive")
	case c.Hub.SweepInterval < 0:
		return errors.New("hub.sweep_interval must not be negative (0 disables the sweep)")
	case c.Hub.MaxSubscriptionsPerConn < 0:
		return errors.New("hub.max_subscriptions_per_conn must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}
	return nil
}

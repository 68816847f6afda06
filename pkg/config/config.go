// Package config loads the relay settings.
//
// Values are layered: built-in defaults, then the config file (ini or yaml,
// chosen by extension), then SIGNAL_* environment variables (an optional
// .env file is loaded first), then command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"
)

var ErrInvalid = errors.New("invalid config")

// General holds the listener settings.
type General struct {
	Bind string `ini:"bind" yaml:"bind"`
	Port int    `ini:"port" yaml:"port"`
	// TLS is enabled when both cert and key are set.
	Cert           string   `ini:"cert" yaml:"cert"`
	Key            string   `ini:"key" yaml:"key"`
	WebSocketPath  string   `ini:"ws_path" yaml:"ws_path"`
	AllowedOrigins []string `ini:"allowed_origins" delim:"," yaml:"allowed_origins"`
	LogLevel       string   `ini:"log_level" yaml:"log_level"`
	LogFormat      string   `ini:"log_format" yaml:"log_format"`
}

// Signal holds per-connection limits of the signaling endpoint.
// MessagesPerSecond of zero means unlimited.
type Signal struct {
	MaxMessageBytes   int64         `ini:"max_message_bytes" yaml:"max_message_bytes"`
	SendQueueSize     int           `ini:"send_queue_size" yaml:"send_queue_size"`
	MessagesPerSecond float64       `ini:"messages_per_second" yaml:"messages_per_second"`
	MessageBurst      int           `ini:"message_burst" yaml:"message_burst"`
	WriteWait         time.Duration `ini:"write_wait" yaml:"write_wait"`
	PongWait          time.Duration `ini:"pong_wait" yaml:"pong_wait"`
	PingPeriod        time.Duration `ini:"ping_period" yaml:"ping_period"`
	ShutdownTimeout   time.Duration `ini:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type Config struct {
	General General `ini:"general" yaml:"general"`
	Signal  Signal  `ini:"signal" yaml:"signal"`
}

func Default() Config {
	return Config{
		General: General{
			Bind:           "0.0.0.0",
			Port:           8080,
			WebSocketPath:  "/signal",
			AllowedOrigins: []string{"*"},
			LogLevel:       "info",
			LogFormat:      "console",
		},
		Signal: Signal{
			MaxMessageBytes:   1 << 20,
			SendQueueSize:     256,
			MessagesPerSecond: 0,
			MessageBurst:      0,
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			PingPeriod:        54 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
	}
}

// Addr is the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.General.Bind, strconv.Itoa(c.General.Port))
}

func (c Config) TLS() bool {
	return c.General.Cert != "" && c.General.Key != ""
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	default:
		file, err := ini.Load(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := file.Section("general").MapTo(&cfg.General); err != nil {
			return fmt.Errorf("parse [general] in %s: %w", path, err)
		}
		if err := file.Section("signal").MapTo(&cfg.Signal); err != nil {
			return fmt.Errorf("parse [signal] in %s: %w", path, err)
		}
		return nil
	}
}

// YAML renders the configuration in the yaml file format.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

func (c Config) Validate() error {
	g, s := c.General, c.Signal
	switch {
	case g.Port < 0 || g.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, g.Port)
	case !strings.HasPrefix(g.WebSocketPath, "/"):
		return fmt.Errorf("%w: ws_path %q must start with /", ErrInvalid, g.WebSocketPath)
	case (g.Cert == "") != (g.Key == ""):
		return fmt.Errorf("%w: cert and key must be set together", ErrInvalid)
	case s.MaxMessageBytes <= 0:
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalid)
	case s.SendQueueSize <= 0:
		return fmt.Errorf("%w: send_queue_size must be positive", ErrInvalid)
	case s.MessagesPerSecond < 0:
		return fmt.Errorf("%w: messages_per_second must not be negative", ErrInvalid)
	case s.MessagesPerSecond > 0 && s.MessageBurst <= 0:
		return fmt.Errorf("%w: message_burst must be positive when messages_per_second is set", ErrInvalid)
	case s.WriteWait <= 0 || s.PongWait <= 0 || s.PingPeriod <= 0:
		return fmt.Errorf("%w: write_wait, pong_wait and ping_period must be positive", ErrInvalid)
	case s.PingPeriod >= s.PongWait:
		return fmt.Errorf("%w: ping_period %s must be shorter than pong_wait %s", ErrInvalid, s.PingPeriod, s.PongWait)
	}
	return nil
}

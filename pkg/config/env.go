package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "SIGNAL_"

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("BIND"); ok {
		cfg.General.Bind = v
	}
	if v, ok := get("CERT"); ok {
		cfg.General.Cert = v
	}
	if v, ok := get("KEY"); ok {
		cfg.General.Key = v
	}
	if v, ok := get("WS_PATH"); ok {
		cfg.General.WebSocketPath = v
	}
	if v, ok := get("ALLOWED_ORIGINS"); ok {
		cfg.General.AllowedOrigins = splitList(v)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.General.LogLevel = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.General.LogFormat = v
	}

	var err error
	if v, ok := get("PORT"); ok {
		if cfg.General.Port, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", envPrefix, v, err)
		}
	}
	if v, ok := get("MAX_MESSAGE_BYTES"); ok {
		if cfg.Signal.MaxMessageBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("invalid %sMAX_MESSAGE_BYTES %q: %w", envPrefix, v, err)
		}
	}
	if v, ok := get("SEND_QUEUE_SIZE"); ok {
		if cfg.Signal.SendQueueSize, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %sSEND_QUEUE_SIZE %q: %w", envPrefix, v, err)
		}
	}
	if v, ok := get("MESSAGES_PER_SECOND"); ok {
		if cfg.Signal.MessagesPerSecond, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("invalid %sMESSAGES_PER_SECOND %q: %w", envPrefix, v, err)
		}
	}
	if v, ok := get("MESSAGE_BURST"); ok {
		if cfg.Signal.MessageBurst, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %sMESSAGE_BURST %q: %w", envPrefix, v, err)
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WRITE_WAIT", &cfg.Signal.WriteWait},
		{"PONG_WAIT", &cfg.Signal.PongWait},
		{"PING_PERIOD", &cfg.Signal.PingPeriod},
		{"SHUTDOWN_TIMEOUT", &cfg.Signal.ShutdownTimeout},
	}
	for _, d := range durations {
		v, ok := get(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, d.key, v, err)
		}
		*d.dst = parsed
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

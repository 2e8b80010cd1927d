// Package config loads SDK and relay configuration from environment
// variables.
//
// Required variables:
//   - FLAGZ_SDK_KEY: server SDK key sent with every request.
//
// Optional variables:
//   - FLAGZ_CONFIG_BASE_URL: origin serving configuration documents
//     (default "https://config.flagz.dev").
//   - FLAGZ_EVENTS_BASE_URL: origin accepting event batches
//     (default "https://events.flagz.dev").
//   - FLAGZ_POLL_INTERVAL: base config polling interval (default "10s").
//   - FLAGZ_IDLE_POLL_INTERVAL: polling interval while the push channel is
//     open (default "15m").
//   - FLAGZ_REQUEST_TIMEOUT: per-fetch timeout (default: the poll interval).
//   - FLAGZ_FLUSH_INTERVAL: background event flush period (default "10s").
//   - FLAGZ_MAX_EVENTS_IN_QUEUE: event queue bound (default "2000").
//   - FLAGZ_FLUSH_BATCH_SIZE: users per event payload (default "100").
//   - FLAGZ_DISABLE_REALTIME_UPDATES, FLAGZ_DISABLE_AUTOMATIC_EVENTS,
//     FLAGZ_DISABLE_CUSTOM_EVENTS: booleans (default "false").
//   - HTTP_ADDR: relay HTTP listen address (default ":8080").
//   - GRPC_ADDR: relay gRPC health listen address (default ":9090").
//   - LOG_LEVEL, LOG_FORMAT: logger settings (default "info", "json").
//   - RELAY_RATE_LIMIT: relay requests per second per client IP
//     (default "100").
//   - MAX_JSON_BODY_SIZE: max relay request body size in bytes
//     (default "1048576").
//
// Values are trimmed before parsing; a blank value means unset.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the runtime configuration for the SDK and the relay.
type Config struct {
	SDKKey        string `env:"FLAGZ_SDK_KEY"`
	ConfigBaseURL string `env:"FLAGZ_CONFIG_BASE_URL" envDefault:"https://config.flagz.dev"`
	EventsBaseURL string `env:"FLAGZ_EVENTS_BASE_URL" envDefault:"https://events.flagz.dev"`

	PollInterval     time.Duration `env:"FLAGZ_POLL_INTERVAL" envDefault:"10s"`
	IdlePollInterval time.Duration `env:"FLAGZ_IDLE_POLL_INTERVAL" envDefault:"15m"`
	RequestTimeout   time.Duration `env:"FLAGZ_REQUEST_TIMEOUT"`

	FlushInterval    time.Duration `env:"FLAGZ_FLUSH_INTERVAL" envDefault:"10s"`
	MaxEventsInQueue int           `env:"FLAGZ_MAX_EVENTS_IN_QUEUE" envDefault:"2000"`
	FlushBatchSize   int           `env:"FLAGZ_FLUSH_BATCH_SIZE" envDefault:"100"`

	DisableRealtimeUpdates bool `env:"FLAGZ_DISABLE_REALTIME_UPDATES"`
	DisableAutomaticEvents bool `env:"FLAGZ_DISABLE_AUTOMATIC_EVENTS"`
	DisableCustomEvents    bool `env:"FLAGZ_DISABLE_CUSTOM_EVENTS"`

	HTTPAddr        string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"LOG_FORMAT" envDefault:"json"`
	RelayRateLimit  int    `env:"RELAY_RATE_LIMIT" envDefault:"100"`
	MaxJSONBodySize int64  `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// values fail validation.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: trimmedEnviron()}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.SDKKey == "" {
		return Config{}, errors.New("FLAGZ_SDK_KEY is required")
	}
	if err := validateBaseURL("FLAGZ_CONFIG_BASE_URL", cfg.ConfigBaseURL); err != nil {
		return Config{}, err
	}
	if err := validateBaseURL("FLAGZ_EVENTS_BASE_URL", cfg.EventsBaseURL); err != nil {
		return Config{}, err
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{"FLAGZ_POLL_INTERVAL", cfg.PollInterval},
		{"FLAGZ_IDLE_POLL_INTERVAL", cfg.IdlePollInterval},
		{"FLAGZ_FLUSH_INTERVAL", cfg.FlushInterval},
	}
	for _, d := range positiveDurations {
		if d.value <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if cfg.RequestTimeout < 0 {
		return Config{}, errors.New("FLAGZ_REQUEST_TIMEOUT must be >= 0")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = cfg.PollInterval
	}

	positiveInts := []struct {
		name  string
		value int64
	}{
		{"FLAGZ_MAX_EVENTS_IN_QUEUE", int64(cfg.MaxEventsInQueue)},
		{"FLAGZ_FLUSH_BATCH_SIZE", int64(cfg.FlushBatchSize)},
		{"RELAY_RATE_LIMIT", int64(cfg.RelayRateLimit)},
		{"MAX_JSON_BODY_SIZE", cfg.MaxJSONBodySize},
	}
	for _, n := range positiveInts {
		if n.value < 1 {
			return Config{}, fmt.Errorf("%s must be a positive integer", n.name)
		}
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
		cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", name)
	}
	return nil
}

// trimmedEnviron returns the process environment with surrounding whitespace
// removed from every value.
func trimmedEnviron() map[string]string {
	environ := os.Environ()
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

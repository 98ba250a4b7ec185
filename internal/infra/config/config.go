// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. LEDGER_SESSION_URL.
const EnvPrefix = "LEDGER_"

// Environment identifies the runtime environment where the ledger operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SessionConfig configures the gateway websocket session.
type SessionConfig struct {
	URL            string        `yaml:"url" env:"URL"`
	InitialBackoff time.Duration `yaml:"initialBackoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" env:"MAX_BACKOFF"`
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	DialTimeout    time.Duration `yaml:"dialTimeout" env:"DIAL_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	PingInterval   time.Duration `yaml:"pingInterval" env:"PING_INTERVAL"`
	ReadLimit      int64         `yaml:"readLimit" env:"READ_LIMIT"`
	// WriteRate caps outbound frames per second; zero leaves writes unpaced.
	WriteRate float64 `yaml:"writeRate" env:"WRITE_RATE"`
}

// LedgerConfig bounds the reconciled lists and tunes snapshot refreshes.
type LedgerConfig struct {
	HistoryLimit    int           `yaml:"historyLimit" env:"HISTORY_LIMIT"`
	FillLimit       int           `yaml:"fillLimit" env:"FILL_LIMIT"`
	NoticeLimit     int           `yaml:"noticeLimit" env:"NOTICE_LIMIT"`
	RefreshDebounce time.Duration `yaml:"refreshDebounce" env:"REFRESH_DEBOUNCE"`
	RefreshAttempts int           `yaml:"refreshAttempts" env:"REFRESH_ATTEMPTS"`
	RefreshTimeout  time.Duration `yaml:"refreshTimeout" env:"REFRESH_TIMEOUT"`
}

// APIServerConfig configures the HTTP read surface.
type APIServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	ServiceName   string `yaml:"serviceName" env:"SERVICE_NAME"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	EnableMetrics bool   `yaml:"enableMetrics" env:"ENABLE_METRICS"`
}

// RelayTopic names one broadcast subscription the relay republishes. An empty key takes
// every topic under the channel.
type RelayTopic struct {
	Channel string `yaml:"channel"`
	Key     string `yaml:"key"`
}

// RelayConfig configures republishing to Redis pub/sub.
type RelayConfig struct {
	Enabled       bool         `yaml:"enabled" env:"ENABLED"`
	RedisURL      string       `yaml:"redisURL" env:"REDIS_URL"`
	ChannelPrefix string       `yaml:"channelPrefix" env:"CHANNEL_PREFIX"`
	Topics        []RelayTopic `yaml:"topics" env:"-"`
}

// AppConfig is the unified ledger configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment" env:"ENVIRONMENT"`
	Session     SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	Ledger      LedgerConfig    `yaml:"ledger" envPrefix:"LEDGER_"`
	APIServer   APIServerConfig `yaml:"apiServer" envPrefix:"API_SERVER_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Relay       RelayConfig     `yaml:"relay" envPrefix:"RELAY_"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Session: SessionConfig{
			URL:            "ws://127.0.0.1:8765/ws",
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			RequestTimeout: 8 * time.Second,
			DialTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
			PingInterval:   15 * time.Second,
			ReadLimit:      4 << 20,
			WriteRate:      0,
		},
		Ledger: LedgerConfig{
			HistoryLimit:    50,
			FillLimit:       50,
			NoticeLimit:     50,
			RefreshDebounce: 500 * time.Millisecond,
			RefreshAttempts: 3,
			RefreshTimeout:  8 * time.Second,
		},
		APIServer: APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "meltica-ledger",
			OTLPInsecure:  true,
			EnableMetrics: false,
		},
		Relay: RelayConfig{
			Enabled:       false,
			RedisURL:      "redis://localhost:6379",
			ChannelPrefix: "ledger",
			Topics:        nil,
		},
	}
}

// Load reads the YAML file over the defaults, applies LEDGER_* environment overrides and
// validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default (plus environment overrides)
// when the file does not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finish(Default())
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return AppConfig{}, fmt.Errorf("parse environment overrides: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	defaults := Default()

	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Session.URL = strings.TrimSpace(c.Session.URL)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Relay.RedisURL = strings.TrimSpace(c.Relay.RedisURL)
	c.Relay.ChannelPrefix = strings.Trim(strings.TrimSpace(c.Relay.ChannelPrefix), ".:")

	if c.Session.InitialBackoff <= 0 {
		c.Session.InitialBackoff = defaults.Session.InitialBackoff
	}
	if c.Session.MaxBackoff < c.Session.InitialBackoff {
		c.Session.MaxBackoff = c.Session.InitialBackoff
	}
	if c.Session.ReadLimit <= 0 {
		c.Session.ReadLimit = defaults.Session.ReadLimit
	}
	if c.Ledger.HistoryLimit <= 0 {
		c.Ledger.HistoryLimit = defaults.Ledger.HistoryLimit
	}
	if c.Ledger.FillLimit <= 0 {
		c.Ledger.FillLimit = defaults.Ledger.FillLimit
	}
	if c.Ledger.NoticeLimit <= 0 {
		c.Ledger.NoticeLimit = defaults.Ledger.NoticeLimit
	}
	if c.Ledger.RefreshAttempts <= 0 {
		c.Ledger.RefreshAttempts = 1
	}

	topics := make([]RelayTopic, 0, len(c.Relay.Topics))
	seen := make(map[RelayTopic]struct{}, len(c.Relay.Topics))
	for _, topic := range c.Relay.Topics {
		topic.Channel = strings.TrimSuffix(strings.TrimSpace(topic.Channel), ".")
		topic.Key = strings.TrimSpace(topic.Key)
		if topic.Channel == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	c.Relay.Topics = topics
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	parsed, err := url.Parse(c.Session.URL)
	if err != nil || c.Session.URL == "" {
		return fmt.Errorf("session url required")
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("session url scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if c.Session.RequestTimeout <= 0 {
		return fmt.Errorf("session requestTimeout must be >0")
	}
	if c.Session.DialTimeout <= 0 {
		return fmt.Errorf("session dialTimeout must be >0")
	}
	if c.Session.WriteTimeout <= 0 {
		return fmt.Errorf("session writeTimeout must be >0")
	}
	if c.Session.PingInterval < 0 {
		return fmt.Errorf("session pingInterval must be >=0")
	}
	if c.Session.WriteRate < 0 {
		return fmt.Errorf("session writeRate must be >=0")
	}

	if c.Ledger.RefreshDebounce < 0 {
		return fmt.Errorf("ledger refreshDebounce must be >=0")
	}
	if c.Ledger.RefreshTimeout < 0 {
		return fmt.Errorf("ledger refreshTimeout must be >=0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if c.Relay.Enabled {
		if c.Relay.RedisURL == "" {
			return fmt.Errorf("relay redisURL required when enabled")
		}
		if c.Relay.ChannelPrefix == "" {
			return fmt.Errorf("relay channelPrefix required when enabled")
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

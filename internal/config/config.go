package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultThreshold         = 50
	DefaultHistorySize       = 60
	DefaultRetryDelay        = 2 * time.Second
	DefaultRetryMaxDelay     = 60 * time.Second
	DefaultPollInterval      = time.Second
	DefaultControlTimeout    = 10 * time.Second
	DefaultHTTPPort          = 8080
	DefaultBroadcastInterval = 5 * time.Second
	DefaultUploadLimit       = 30
	DefaultAPIKeyHeader      = "X-API-Key"
)

// Retry policies.
const (
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// Feed transport types.
const (
	FeedSSE        = "sse"
	FeedWebSocket  = "websocket"
	FeedPrometheus = "prometheus"
)

// Config is the top-level crowdwatch configuration.
type Config struct {
	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	Risk    RiskConfig    `yaml:"risk"`
	Feed    FeedConfig    `yaml:"feed"`
	Control ControlConfig `yaml:"control"`
	Server  ServerConfig  `yaml:"server"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

// RiskConfig holds the risk model parameters.
type RiskConfig struct {
	// Threshold is the entity count at which the risk score reaches 60.
	Threshold int `yaml:"threshold"`

	// HistorySize is the number of samples kept for trend display.
	HistorySize int `yaml:"history_size"`
}

// FeedConfig describes the live count feed.
type FeedConfig struct {
	// Type is the transport: sse | websocket | prometheus.
	Type string `yaml:"type"`

	// Endpoint is the full URL of the feed.
	Endpoint string `yaml:"endpoint"`

	// Metric is the gauge family holding the count. Used when Type == "prometheus".
	Metric string `yaml:"metric"`

	// PollInterval controls how often a prometheus feed is scraped.
	PollInterval time.Duration `yaml:"poll_interval"`

	Retry RetryConfig `yaml:"retry"`
	Auth  AuthConfig  `yaml:"auth"`
	TLS   TLSConfig   `yaml:"tls"`
}

// RetryConfig controls reconnect timing after the feed drops.
type RetryConfig struct {
	// Policy is one of: fixed | exponential.
	Policy string `yaml:"policy"`

	// Delay is the fixed delay, or the initial delay for exponential backoff.
	Delay time.Duration `yaml:"delay"`

	// MaxDelay caps exponential backoff.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ControlConfig points at the detector backend that starts and stops
// acquisition and analyzes uploaded images.
type ControlConfig struct {
	// Endpoint is the base URL of the detector backend. Empty disables
	// lifecycle requests; start and stop then act on the feed only.
	Endpoint string `yaml:"endpoint"`

	StartPath   string        `yaml:"start_path"`
	StopPath    string        `yaml:"stop_path"`
	AnalyzePath string        `yaml:"analyze_path"`
	Timeout     time.Duration `yaml:"timeout"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// AuthConfig specifies how crowdwatch authenticates to an upstream endpoint.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header name the API key is sent in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username.
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on.
	HTTPPort int `yaml:"http_port"`

	// BroadcastInterval controls how often the session status is pushed to
	// WebSocket clients. Frames are pushed as they happen.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	// UploadLimitPerMinute rate-limits POST /api/v1/analyze per client IP.
	UploadLimitPerMinute int `yaml:"upload_limit_per_minute"`

	Auth ServerAuthConfig `yaml:"auth"`
}

// ServerAuthConfig configures REST API authentication for mutating routes.
type ServerAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable holding the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the request header carrying the key. Defaults to X-API-Key.
	Header string `yaml:"header"`
}

// Key returns the server API key resolved from the environment.
func (a ServerAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default.
func (a ServerAuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// AlertsConfig holds webhook delivery targets for escalation alerts.
type AlertsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | pagerduty | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Risk: RiskConfig{
			Threshold:   DefaultThreshold,
			HistorySize: DefaultHistorySize,
		},
		Feed: FeedConfig{
			Type:         FeedSSE,
			PollInterval: DefaultPollInterval,
			Retry: RetryConfig{
				Policy:   RetryFixed,
				Delay:    DefaultRetryDelay,
				MaxDelay: DefaultRetryMaxDelay,
			},
		},
		Control: ControlConfig{
			StartPath:   "/start",
			StopPath:    "/stop",
			AnalyzePath: "/upload",
			Timeout:     DefaultControlTimeout,
		},
		Server: ServerConfig{
			HTTPPort:             DefaultHTTPPort,
			BroadcastInterval:    DefaultBroadcastInterval,
			UploadLimitPerMinute: DefaultUploadLimit,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Risk.Threshold <= 0 {
		return fmt.Errorf("risk.threshold must be positive")
	}
	if cfg.Risk.HistorySize <= 0 {
		return fmt.Errorf("risk.history_size must be positive")
	}

	if cfg.Feed.Endpoint == "" {
		return fmt.Errorf("feed.endpoint is required")
	}
	switch cfg.Feed.Type {
	case FeedSSE, FeedWebSocket:
	case FeedPrometheus:
		if cfg.Feed.Metric == "" {
			return fmt.Errorf("feed.metric is required for prometheus feeds")
		}
		if cfg.Feed.PollInterval <= 0 {
			return fmt.Errorf("feed.poll_interval must be positive")
		}
	default:
		return fmt.Errorf("feed.type %q unknown: want sse|websocket|prometheus", cfg.Feed.Type)
	}
	switch cfg.Feed.Retry.Policy {
	case RetryFixed, RetryExponential:
	default:
		return fmt.Errorf("feed.retry.policy %q unknown: want fixed|exponential", cfg.Feed.Retry.Policy)
	}
	if cfg.Feed.Retry.Delay <= 0 {
		return fmt.Errorf("feed.retry.delay must be positive")
	}
	if cfg.Feed.Retry.MaxDelay < cfg.Feed.Retry.Delay {
		return fmt.Errorf("feed.retry.max_delay must not be below feed.retry.delay")
	}
	if err := validateAuth("feed.auth", cfg.Feed.Auth); err != nil {
		return err
	}

	if cfg.Control.Timeout <= 0 {
		return fmt.Errorf("control.timeout must be positive")
	}
	if err := validateAuth("control.auth", cfg.Control.Auth); err != nil {
		return err
	}

	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.BroadcastInterval <= 0 {
		return fmt.Errorf("server.broadcast_interval must be positive")
	}
	if cfg.Server.UploadLimitPerMinute <= 0 {
		return fmt.Errorf("server.upload_limit_per_minute must be positive")
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}

	for i, wh := range cfg.Alerts.Webhooks {
		switch wh.Type {
		case "teams", "slack", "pagerduty", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d]: unknown type %q", i, wh.Type)
		}
	}
	return nil
}

func validateAuth(field string, a AuthConfig) error {
	switch a.Mode {
	case "mtls":
		if a.CertFile == "" || a.KeyFile == "" {
			return fmt.Errorf("%s: mtls requires cert_file and key_file", field)
		}
	case "apikey":
		if a.Header == "" {
			return fmt.Errorf("%s: apikey requires header", field)
		}
	case "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("%s: unknown auth mode %q", field, a.Mode)
	}
	return nil
}

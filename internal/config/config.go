// Package config provides YAML configuration loading and validation for
// loggyxp.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to omitted fields.
const (
	DefaultListenAddr       = "127.0.0.1:3000"
	DefaultLogLevel         = "info"
	DefaultDashboardPath    = "static/dashboard.html"
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultReplayBatchSize  = 200
	DefaultSubscriberBuffer = 256
	DefaultNotifier         = "fsnotify"
	DefaultNotifierBuffer   = 1024
	DefaultCommandQueue     = 64
	DefaultJournalPath      = ":memory:"
	DefaultJournalRetain    = 1000
)

// Config is the top-level configuration structure.
type Config struct {
	// ListenAddr is the HTTP listen address for the dashboard, the WebSocket
	// endpoint and the REST API. Defaults to "127.0.0.1:3000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DashboardPath is the HTML file served at "/".
	DashboardPath string `yaml:"dashboard_path"`

	// PollInterval is the sleep between passes of the watch loop, and the
	// scan interval of the poll notifier (e.g. "100ms").
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReplayOnAdd sends a file's existing content when it is first watched.
	// Defaults to true; use Replay to read it.
	ReplayOnAdd *bool `yaml:"replay_on_add"`

	// ReplayBatchSize is the number of lines per replay batch.
	ReplayBatchSize int `yaml:"replay_batch_size"`

	// SubscriberBuffer is the per-client event queue depth.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// Notifier selects the change notifier: "fsnotify" or "poll".
	Notifier string `yaml:"notifier"`

	// NotifierBuffer is the capacity of the notifier's change queue.
	NotifierBuffer int `yaml:"notifier_buffer"`

	// CommandQueue is the capacity of the watch loop's command queue.
	CommandQueue int `yaml:"command_queue"`

	// Watch lists files (or glob patterns) watched at startup.
	Watch []string `yaml:"watch"`

	Journal JournalConfig `yaml:"journal"`
	Audit   AuditConfig   `yaml:"audit"`
	Auth    AuthConfig    `yaml:"auth"`
}

// JournalConfig configures the notification journal.
type JournalConfig struct {
	// Path is a SQLite database path or a postgres:// URL. Defaults to
	// ":memory:".
	Path string `yaml:"path"`
	// Retain is the number of notifications kept; 0 keeps all. Defaults to
	// 1000 when omitted.
	Retain *int `yaml:"retain"`
}

// AuditConfig configures the client command trail.
type AuditConfig struct {
	// Path is the JSON-lines trail file. Empty disables the trail.
	Path string `yaml:"path"`
}

// AuthConfig enables bearer-token authentication of the API and WebSocket
// endpoints. At most one of the fields may be set; leaving both empty
// disables authentication.
type AuthConfig struct {
	// JWTPublicKeyPath is a PEM-encoded RSA public key verifying RS256
	// tokens.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
	// JWTSecret is a shared secret verifying HS256 tokens.
	JWTSecret string `yaml:"jwt_secret"`
}

// Enabled reports whether authentication is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTPublicKeyPath != "" || a.JWTSecret != ""
}

// Replay reports whether files are replayed when first watched.
func (c *Config) Replay() bool {
	return c.ReplayOnAdd == nil || *c.ReplayOnAdd
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validNotifiers is the set of accepted notifier kinds.
var validNotifiers = map[string]bool{
	"fsnotify": true,
	"poll":     true,
}

// Default returns a Config with every field at its default value.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. A missing file yields an error wrapping
// fs.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the configuration after command-line overrides have been
// applied.
func (c *Config) Validate() error {
	if err := validate(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyDefaults fills in zero-value optional fields with defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.DashboardPath == "" {
		cfg.DashboardPath = DefaultDashboardPath
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReplayOnAdd == nil {
		replay := true
		cfg.ReplayOnAdd = &replay
	}
	if cfg.ReplayBatchSize == 0 {
		cfg.ReplayBatchSize = DefaultReplayBatchSize
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Notifier == "" {
		cfg.Notifier = DefaultNotifier
	}
	if cfg.NotifierBuffer == 0 {
		cfg.NotifierBuffer = DefaultNotifierBuffer
	}
	if cfg.CommandQueue == 0 {
		cfg.CommandQueue = DefaultCommandQueue
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath
	}
	if cfg.Journal.Retain == nil {
		retain := DefaultJournalRetain
		cfg.Journal.Retain = &retain
	}
}

// validate checks that enumerated fields contain only valid values and that
// numeric fields are in range.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval %s must be positive", cfg.PollInterval))
	}
	if cfg.ReplayBatchSize < 0 {
		errs = append(errs, fmt.Errorf("replay_batch_size %d must not be negative", cfg.ReplayBatchSize))
	}
	if cfg.SubscriberBuffer < 0 {
		errs = append(errs, fmt.Errorf("subscriber_buffer %d must not be negative", cfg.SubscriberBuffer))
	}
	if !validNotifiers[cfg.Notifier] {
		errs = append(errs, fmt.Errorf("notifier %q must be one of: fsnotify, poll", cfg.Notifier))
	}
	if cfg.NotifierBuffer < 0 {
		errs = append(errs, fmt.Errorf("notifier_buffer %d must not be negative", cfg.NotifierBuffer))
	}
	if cfg.CommandQueue < 0 {
		errs = append(errs, fmt.Errorf("command_queue %d must not be negative", cfg.CommandQueue))
	}
	for i, w := range cfg.Watch {
		if w == "" {
			errs = append(errs, fmt.Errorf("watch[%d]: path is required", i))
		}
	}
	if cfg.Journal.Retain != nil && *cfg.Journal.Retain < 0 {
		errs = append(errs, fmt.Errorf("journal.retain %d must not be negative", *cfg.Journal.Retain))
	}
	if cfg.Auth.JWTPublicKeyPath != "" && cfg.Auth.JWTSecret != "" {
		errs = append(errs, errors.New("auth.jwt_public_key_path and auth.jwt_secret are mutually exclusive"))
	}

	return errors.Join(errs...)
}

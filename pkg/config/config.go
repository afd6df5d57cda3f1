package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/device"
	"github.com/srg/kinetic/internal/link"
	"github.com/srg/kinetic/internal/mint"
	"github.com/srg/kinetic/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// LogLevel is one of debug, info, warn, error; panic keeps the CLI silent.
	LogLevel string        `yaml:"log_level" default:"panic"`
	Scan     ScanConfig    `yaml:"scan"`
	Link     LinkConfig    `yaml:"link"`
	Capture  CaptureConfig `yaml:"capture"`
	Mint     MintConfig    `yaml:"mint"`
	Journal  JournalConfig `yaml:"journal"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

type ScanConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"10s"`
	// NamePatterns override the default firmware name patterns when set.
	NamePatterns []string `yaml:"name_patterns"`
	ServiceUUID  string   `yaml:"service_uuid"`
	// All lists every sighting instead of candidate peripherals only.
	All bool `yaml:"all"`
}

type LinkConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout" default:"5s"`
	ServiceUUID           string        `yaml:"service_uuid" default:"19b10000-e8f2-537e-4f6c-d104768a1214"`
	CharacteristicUUID    string        `yaml:"characteristic_uuid" default:"19b10001-e8f2-537e-4f6c-d104768a1217"`
	PayloadFormat         string        `yaml:"payload_format" default:"csv"`
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay" default:"1s"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay" default:"8s"`
	ReconnectAttempts     int           `yaml:"reconnect_attempts" default:"3"`
}

type CaptureConfig struct {
	Duration   time.Duration `yaml:"duration" default:"15s"`
	MaxSamples int           `yaml:"max_samples" default:"36000"`
	MinSamples int           `yaml:"min_samples" default:"5"`
	// StaleAfter warns when no sample arrived for this long.
	StaleAfter time.Duration `yaml:"stale_after" default:"3s"`
}

type MintConfig struct {
	BaseURL        string        `yaml:"base_url" default:"https://surreal-base.vercel.app"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"60s"`
	MaxAttempts    int           `yaml:"max_attempts" default:"3"`
	BaseDelay      time.Duration `yaml:"base_delay" default:"2s"`
	MaxDelay       time.Duration `yaml:"max_delay" default:"30s"`
	// Wallet is the default destination address for submissions.
	Wallet string `yaml:"wallet"`
}

type JournalConfig struct {
	// Path of the sqlite journal; DefaultJournalPath when empty.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	// Addr enables the /metrics endpoint when set, e.g. ":9100".
	Addr string `yaml:"addr"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultJournalPath returns ~/.kinetic/journal.db, or a relative path when
// the home directory is unknown.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".kinetic", "journal.db")
	}
	return filepath.Join(home, ".kinetic", "journal.db")
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, err := logrus.ParseLevel(c.LogLevel)
	check(err == nil, "log_level: unknown level %q", c.LogLevel)

	check(c.Scan.Timeout > 0, "scan.timeout must be positive")
	if c.Scan.ServiceUUID != "" {
		_, err := device.ValidateUUID(c.Scan.ServiceUUID)
		check(err == nil, "scan.service_uuid: %v", err)
	}

	_, err = device.ValidateUUID(c.Link.ServiceUUID, c.Link.CharacteristicUUID)
	check(err == nil, "link: %v", err)
	_, err = telemetry.NewDecoder(c.Link.PayloadFormat)
	check(err == nil, "link.payload_format: %v", err)
	check(c.Link.ConnectTimeout > 0, "link.connect_timeout must be positive")
	check(c.Link.ReconnectInitialDelay > 0, "link.reconnect_initial_delay must be positive")
	check(c.Link.ReconnectMaxDelay >= c.Link.ReconnectInitialDelay, "link.reconnect_max_delay must not be below the initial delay")
	check(c.Link.ReconnectAttempts > 0, "link.reconnect_attempts must be positive")

	check(c.Capture.Duration > 0, "capture.duration must be positive")
	check(c.Capture.MaxSamples > 0, "capture.max_samples must be positive")
	check(c.Capture.MinSamples > 0, "capture.min_samples must be positive")
	check(c.Capture.MinSamples <= c.Capture.MaxSamples, "capture.min_samples must not exceed max_samples")

	_, err = mint.NewEndpoint(c.Mint.BaseURL)
	check(err == nil, "mint.base_url: %v", err)
	check(c.Mint.RequestTimeout > 0, "mint.request_timeout must be positive")
	check(c.Mint.MaxAttempts > 0, "mint.max_attempts must be positive")
	check(c.Mint.BaseDelay > 0, "mint.base_delay must be positive")
	check(c.Mint.MaxDelay >= c.Mint.BaseDelay, "mint.max_delay must not be below the base delay")
	if c.Mint.Wallet != "" {
		check(mint.ValidateAddress(c.Mint.Wallet) == nil, "mint.wallet: %q is not a 0x-prefixed 20-byte hex address", c.Mint.Wallet)
	}

	return errors.Join(errs...)
}

// ReconnectPolicy returns the link recovery policy.
func (c *Config) ReconnectPolicy() link.ReconnectPolicy {
	return link.ReconnectPolicy{
		InitialDelay: c.Link.ReconnectInitialDelay,
		MaxDelay:     c.Link.ReconnectMaxDelay,
		MaxAttempts:  c.Link.ReconnectAttempts,
	}
}

// RetryPolicy returns the submission retry policy.
func (c *Config) RetryPolicy() mint.RetryPolicy {
	return mint.RetryPolicy{
		MaxAttempts: c.Mint.MaxAttempts,
		BaseDelay:   c.Mint.BaseDelay,
		MaxDelay:    c.Mint.MaxDelay,
	}
}

// Level returns the parsed log level, falling back to panic.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

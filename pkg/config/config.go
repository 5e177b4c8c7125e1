package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
//
// The connection release timings are empirical. They are kept as plain
// values so they can be tuned per platform without code changes.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Connection release ("disco") parameters
	ReleaseInterval   time.Duration `yaml:"release_interval" default:"5s"`
	ScanWindow        time.Duration `yaml:"scan_window" default:"20s"`
	MaxScanDelta      time.Duration `yaml:"max_scan_delta" default:"1500ms"`
	ScanGracePeriod   time.Duration `yaml:"scan_grace_period" default:"5s"`
	MinScanDuration   time.Duration `yaml:"min_scan_duration" default:"500ms"`
	ConnectErrorDelta time.Duration `yaml:"connect_error_delta" default:"3s"`

	// Scanner
	StopScanDelay   time.Duration `yaml:"stop_scan_delay" default:"7s"`
	WaitScanTimeout time.Duration `yaml:"wait_scan_timeout" default:"10s"`

	// Reconnection
	ReconnectDelay              time.Duration `yaml:"reconnect_delay" default:"1s"`
	ReconnectDelayTooManyErrors time.Duration `yaml:"reconnect_delay_too_many_errors" default:"30s"`

	// Firmware update
	ReadyCheckInterval   time.Duration `yaml:"ready_check_interval" default:"1s"`
	ReadyChecks          int           `yaml:"ready_checks" default:"5"`
	ReadyChecksAfterScan int           `yaml:"ready_checks_after_scan" default:"10"`
	FirmwareAttempts     int           `yaml:"firmware_attempts" default:"3"`

	// Small dice updated from firmware built on or before this date get
	// their settings cleared once they reconnect
	ResetSettingsBefore  string `yaml:"reset_settings_before" default:"2024-03-25"`
	ResetSettingsMaxLeds int    `yaml:"reset_settings_max_leds" default:"6"`

	// Operations
	ResetSettingsTimeout time.Duration `yaml:"reset_settings_timeout" default:"5s"`
	BrightnessTolerance  float64       `yaml:"brightness_tolerance" default:"0.004"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the default values.
// Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the central cannot work with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.ScanWindow < c.ReleaseInterval {
		return fmt.Errorf("scan_window (%s) must not be shorter than release_interval (%s)", c.ScanWindow, c.ReleaseInterval)
	}
	if c.FirmwareAttempts < 1 {
		return fmt.Errorf("firmware_attempts must be at least 1, got %d", c.FirmwareAttempts)
	}
	if c.ReadyChecks < 1 || c.ReadyChecksAfterScan < 1 {
		return fmt.Errorf("ready checks must be at least 1")
	}
	if _, err := c.ResetSettingsCutoff(); err != nil {
		return err
	}
	return nil
}

// ResetSettingsCutoff parses ResetSettingsBefore as a UTC date. An empty
// value disables the reset and returns the zero time.
func (c *Config) ResetSettingsCutoff() (time.Time, error) {
	if c.ResetSettingsBefore == "" {
		return time.Time{}, nil
	}
	cutoff, err := time.Parse(time.DateOnly, c.ResetSettingsBefore)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid reset_settings_before %q: %w", c.ResetSettingsBefore, err)
	}
	return cutoff, nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Package config holds the application configuration surface and logger
// construction.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Defaults match the CardioGuard
// holter firmware; estimator thresholds are deliberately configuration, not
// constants.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Discovery and connection
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	DeviceNamePrefix string        `yaml:"device_name_prefix" default:"CardioGuard"`

	// Reconnection. Backoff is linear (base * attempt), matching the
	// device's radio settle characteristics.
	AutoReconnect        bool          `yaml:"auto_reconnect" default:"true"`
	MaxReconnectAttempts uint32        `yaml:"max_reconnect_attempts" default:"5"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" default:"2s"`

	// Notification subscription retry bound
	SubscribeRetries    int           `yaml:"subscribe_retries" default:"5"`
	SubscribeRetryDelay time.Duration `yaml:"subscribe_retry_delay" default:"500ms"`

	// Signal
	SampleRate           int           `yaml:"sample_rate" default:"250"`
	CalibrationFactor    float64       `yaml:"calibration_factor" default:"0.00286"`
	DisplayWindowSeconds int           `yaml:"display_window_seconds" default:"10"`
	PeakThresholdMV      float64       `yaml:"peak_threshold_mv" default:"0.3"`
	Refractory           time.Duration `yaml:"refractory" default:"300ms"`

	// Broadcast coalescing: downstream consumers are far more expensive
	// than the decode path and must not run at wire rate.
	BroadcastInterval time.Duration `yaml:"broadcast_interval" default:"500ms"`

	// Battery polling is delayed past stream start and kept slow so the
	// reads never contend with the ECG notification stream.
	BatteryPollDelay    time.Duration `yaml:"battery_poll_delay" default:"5s"`
	BatteryPollInterval time.Duration `yaml:"battery_poll_interval" default:"2m"`

	// Watchdog
	WatchdogInterval time.Duration `yaml:"watchdog_interval" default:"5s"`
	StaleAfter       time.Duration `yaml:"stale_after" default:"10s"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.CalibrationFactor <= 0 {
		return fmt.Errorf("calibration_factor must be positive, got %g", c.CalibrationFactor)
	}
	if c.DisplayWindowSeconds <= 0 {
		return fmt.Errorf("display_window_seconds must be positive, got %d", c.DisplayWindowSeconds)
	}
	if c.SubscribeRetries <= 0 {
		return fmt.Errorf("subscribe_retries must be positive, got %d", c.SubscribeRetries)
	}
	return nil
}

// RingCapacity is the live display window size in samples.
func (c *Config) RingCapacity() int {
	return c.SampleRate * c.DisplayWindowSeconds
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}

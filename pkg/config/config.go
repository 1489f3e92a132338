package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/platform/goble"
)

// Config holds application configuration
type Config struct {
	LogLevel    string        `yaml:"log_level" default:"info"`
	ScanTimeout time.Duration `yaml:"scan_timeout" default:"10s"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operation_timeout"` // 0: no timeout
	AutoReconnect    bool          `yaml:"auto_reconnect" default:"false"`

	AdvertiseTimeout   time.Duration `yaml:"advertise_timeout"` // 0: until stopped
	NotificationBuffer uint32        `yaml:"notification_buffer" default:"64"`
	ResponseTimeout    time.Duration `yaml:"response_timeout" default:"5s"`

	EventBuffer int `yaml:"event_buffer" default:"256"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"scan_timeout":      c.ScanTimeout,
		"connect_timeout":   c.ConnectTimeout,
		"operation_timeout": c.OperationTimeout,
		"advertise_timeout": c.AdvertiseTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("response_timeout must be > 0, got %s", c.ResponseTimeout)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be > 0, got %d", c.EventBuffer)
	}
	if c.NotificationBuffer == 0 {
		return fmt.Errorf("notification_buffer must be > 0")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("log_level must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) CentralOptions() central.Options {
	return central.Options{OperationTimeout: c.OperationTimeout}
}

func (c *Config) ConnectOptions() central.ConnectOptions {
	return central.ConnectOptions{
		Timeout:       c.ConnectTimeout,
		AutoReconnect: c.AutoReconnect,
	}
}

func (c *Config) PeripheralOptions() goble.PeripheralOptions {
	return goble.PeripheralOptions{
		EventBuffer:        c.EventBuffer,
		NotificationBuffer: c.NotificationBuffer,
		ResponseTimeout:    c.ResponseTimeout,
	}
}

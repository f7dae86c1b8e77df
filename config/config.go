// Package config holds the TOML configuration of the connd daemon.
//
// Durations are stored as strings in the file and parsed on demand through
// the GetX accessors, which also supply defaults for missing values:
//
//	cfg := config.NewDefaultConfig()
//	if err := config.LoadConfigFromFile("connd.toml", &cfg); err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Supported driver names for DaemonConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverS3       = "s3"
)

// Defaults mirrored by daemon.DefaultOptions.
const (
	DefaultRetryDelay        = 0
	DefaultMaxRetries        = 5
	DefaultHeartbeatInterval = time.Second
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DaemonConfig describes the single shared connection managed by connd.
type DaemonConfig struct {
	Name              string `toml:"name"`               // Label used in logs and metrics
	Driver            string `toml:"driver"`             // "postgres", "sqlite" or "s3"
	URL               string `toml:"url"`                // Connection target handed to the driver
	RetryDelay        string `toml:"retry_delay"`        // Delay between failed connect attempts (default: "0s")
	MaxRetries        *int   `toml:"max_retries"`        // Retries per connect cycle after the first attempt, -1 for unlimited (default: 5)
	HeartbeatInterval string `toml:"heartbeat_interval"` // Delay between liveness probes (default: "1s")
	ProbeTimeout      string `toml:"probe_timeout"`      // Deadline for a single probe, empty for none
	LogQueries        bool   `toml:"log_queries"`        // Log every query at debug level (postgres only)
}

// GetRetryDelay parses the retry delay.
func (d *DaemonConfig) GetRetryDelay() (time.Duration, error) {
	if d.RetryDelay == "" {
		return DefaultRetryDelay, nil
	}
	return parseNonNegativeDuration("retry_delay", d.RetryDelay)
}

// GetMaxRetries returns the configured retry bound or the default.
func (d *DaemonConfig) GetMaxRetries() int {
	if d.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *d.MaxRetries
}

// GetHeartbeatInterval parses the heartbeat interval.
func (d *DaemonConfig) GetHeartbeatInterval() (time.Duration, error) {
	if d.HeartbeatInterval == "" {
		return DefaultHeartbeatInterval, nil
	}
	return parsePositiveDuration("heartbeat_interval", d.HeartbeatInterval)
}

// GetProbeTimeout parses the probe timeout. Zero means probes are not bounded.
func (d *DaemonConfig) GetProbeTimeout() (time.Duration, error) {
	if d.ProbeTimeout == "" {
		return 0, nil
	}
	return parseNonNegativeDuration("probe_timeout", d.ProbeTimeout)
}

// S3Config holds S3 configuration for the s3 driver.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Region     string `toml:"region"`
	DisableTLS bool   `toml:"disable_tls"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// HTTPConfig holds the status/metrics HTTP listener configuration.
type HTTPConfig struct {
	Addr          string `toml:"addr"`
	MetricsPath   string `toml:"metrics_path"`
	HealthTimeout string `toml:"health_timeout"` // How long /healthz waits for a connection (default: "5s")
}

// GetHealthTimeout parses the /healthz timeout.
func (h *HTTPConfig) GetHealthTimeout() (time.Duration, error) {
	if h.HealthTimeout == "" {
		return 5 * time.Second, nil
	}
	return parseNonNegativeDuration("health_timeout", h.HealthTimeout)
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Daemon  DaemonConfig  `toml:"daemon"`
	S3      S3Config      `toml:"s3"`
	HTTP    HTTPConfig    `toml:"http"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Daemon: DaemonConfig{
			Name:              "default",
			Driver:            DriverPostgres,
			RetryDelay:        "0s",
			HeartbeatInterval: "1s",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		HTTP: HTTPConfig{
			Addr:          ":8089",
			MetricsPath:   "/metrics",
			HealthTimeout: "5s",
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Daemon.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Daemon.URL == "" {
			return fmt.Errorf("daemon.url is required for driver %q", c.Daemon.Driver)
		}
	case DriverS3:
		if c.S3.Endpoint == "" && c.Daemon.URL == "" {
			return fmt.Errorf("s3.endpoint or daemon.url is required for driver %q", c.Daemon.Driver)
		}
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for driver %q", c.Daemon.Driver)
		}
	case "":
		return fmt.Errorf("daemon.driver is required")
	default:
		return fmt.Errorf("unsupported daemon.driver %q (expected %s, %s or %s)",
			c.Daemon.Driver, DriverPostgres, DriverSQLite, DriverS3)
	}

	if c.Daemon.MaxRetries != nil && *c.Daemon.MaxRetries < -1 {
		return fmt.Errorf("daemon.max_retries must be -1 (unlimited) or greater, got %d", *c.Daemon.MaxRetries)
	}
	if _, err := c.Daemon.GetRetryDelay(); err != nil {
		return err
	}
	if _, err := c.Daemon.GetHeartbeatInterval(); err != nil {
		return err
	}
	if _, err := c.Daemon.GetProbeTimeout(); err != nil {
		return err
	}
	if _, err := c.HTTP.GetHealthTimeout(); err != nil {
		return err
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace
// from all string fields. Unknown keys are reported as warnings and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func parseNonNegativeDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, value)
	}
	return d, nil
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, value)
	}
	return d, nil
}

// enhanceConfigError adds hints for the most common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check that all strings are quoted and durations look like \"500ms\" or \"1s\"", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

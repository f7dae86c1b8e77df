package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadConfigFromFile_UnknownKeys tests that unknown keys produce warnings but don't fail
func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_unknown.toml")

	content := `
[daemon]
driver = "sqlite"
url = "file:test.db"

# Unknown keys
unknown_key = "should warn"
typo_setting = 123
`

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Errorf("LoadConfigFromFile returned unexpected error: %v", err)
	}

	if cfg.Daemon.Driver != DriverSQLite {
		t.Errorf("Expected driver=sqlite, got %s", cfg.Daemon.Driver)
	}
}

func TestLoadConfigFromFile_FullDaemonSection(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "connd.toml")

	content := `
[logging]
output = "stdout"
format = "json"
level = "debug"

[daemon]
name = "  primary  "
driver = "postgres"
url = "postgres://app@localhost:5432/app"
retry_delay = "500ms"
max_retries = 3
heartbeat_interval = "2s"
probe_timeout = "1s"
log_queries = true

[http]
addr = "127.0.0.1:9100"
metrics_path = "/prom"
`

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}

	if cfg.Daemon.Name != "primary" {
		t.Errorf("Expected trimmed name 'primary', got %q", cfg.Daemon.Name)
	}
	if !cfg.Daemon.LogQueries {
		t.Error("Expected log_queries=true")
	}
	if cfg.Daemon.GetMaxRetries() != 3 {
		t.Errorf("Expected max_retries=3, got %d", cfg.Daemon.GetMaxRetries())
	}
	delay, err := cfg.Daemon.GetRetryDelay()
	if err != nil || delay != 500*time.Millisecond {
		t.Errorf("Expected retry_delay=500ms, got %v (err: %v)", delay, err)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.HTTP.MetricsPath != "/prom" {
		t.Errorf("Expected metrics_path=/prom, got %s", cfg.HTTP.MetricsPath)
	}
	// Values not present in the file keep their defaults.
	if cfg.HTTP.HealthTimeout != "5s" {
		t.Errorf("Expected default health_timeout=5s, got %s", cfg.HTTP.HealthTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected loaded config to be valid, got %v", err)
	}
}

func TestLoadConfigFromFile_SyntaxErrorHint(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "broken.toml")

	content := `
[daemon]
driver = postgres
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(configPath, &cfg)
	if err == nil {
		t.Fatal("Expected a parse error, got nil")
	}
	if !strings.Contains(err.Error(), "HINT") {
		t.Errorf("Expected error to carry a hint, got %v", err)
	}
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	if !os.IsNotExist(err) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome creates a temporary home directory for testing.
// Returns the home dir path and a cleanup function.
func setupTestHome(t *testing.T) (string, func()) {
	t.Helper()

	tmpHome := t.TempDir()
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpHome)

	cleanup := func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		} else {
			os.Unsetenv("HOME")
		}
	}

	return tmpHome, cleanup
}

// writeTestConfig writes a config file into the allowed directory.
func writeTestConfig(t *testing.T, home, content string) string {
	t.Helper()

	configDir := filepath.Join(home, ".config", "forged")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	return configPath
}

// TestLoadWithFile_ValidYAML tests loading configuration from a valid YAML file.
func TestLoadWithFile_ValidYAML(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, `environment: production

server:
  host: 127.0.0.1
  port: 9000
  shutdown_timeout: 15s

kernel:
  init_timeout: 45s
  health_policy: required

flags:
  definitions:
    deals-pipeline-v2:
      enabled: true
      rollout: 25
      tenants: [acme]
`)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "production")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Kernel.InitTimeout.Duration() != 45*time.Second {
		t.Errorf("Kernel.InitTimeout = %v, want 45s", cfg.Kernel.InitTimeout.Duration())
	}
	if cfg.Kernel.HealthPolicy != HealthPolicyRequired {
		t.Errorf("Kernel.HealthPolicy = %q, want %q", cfg.Kernel.HealthPolicy, HealthPolicyRequired)
	}

	flag, ok := cfg.Flags.Definitions["deals-pipeline-v2"]
	if !ok {
		t.Fatal("flag deals-pipeline-v2 not loaded")
	}
	if !flag.Enabled || flag.Rollout != 25 {
		t.Errorf("flag = %+v, want enabled with rollout 25", flag)
	}
	if len(flag.Tenants) != 1 || flag.Tenants[0] != "acme" {
		t.Errorf("flag.Tenants = %v, want [acme]", flag.Tenants)
	}
}

// TestLoadWithFile_EnvironmentOverride tests that environment variables override YAML.
func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, `server:
  port: 9000

logging:
  level: info
`)

	os.Setenv("FORGED_SERVER_PORT", "7777")
	os.Setenv("FORGED_LOGGING_LEVEL", "debug")
	os.Setenv("FORGED_KERNEL_HEALTH_POLICY", "required")
	defer os.Unsetenv("FORGED_SERVER_PORT")
	defer os.Unsetenv("FORGED_LOGGING_LEVEL")
	defer os.Unsetenv("FORGED_KERNEL_HEALTH_POLICY")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q (from env override)", cfg.Logging.Level, "debug")
	}
	if cfg.Kernel.HealthPolicy != HealthPolicyRequired {
		t.Errorf("Kernel.HealthPolicy = %q, want %q (from env override)", cfg.Kernel.HealthPolicy, HealthPolicyRequired)
	}
}

// TestLoadWithFile_MissingFile tests that a missing file yields defaults.
func TestLoadWithFile_MissingFile(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := filepath.Join(home, ".config", "forged", "config.yaml")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil (missing file uses defaults)", err)
	}

	if cfg.Server.Port != 8420 {
		t.Errorf("Server.Port = %d, want default 8420", cfg.Server.Port)
	}
	if cfg.Kernel.HealthPolicy != HealthPolicyAll {
		t.Errorf("Kernel.HealthPolicy = %q, want default %q", cfg.Kernel.HealthPolicy, HealthPolicyAll)
	}
	if cfg.Jobs.URL != "nats://localhost:4222" {
		t.Errorf("Jobs.URL = %q, want default NATS URL", cfg.Jobs.URL)
	}
}

// TestLoadWithFile_InvalidYAML tests rejection of malformed YAML.
func TestLoadWithFile_InvalidYAML(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, "server: [unclosed")

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("LoadWithFile() error = nil, want parse error")
	}
}

// TestLoadWithFile_Validation tests that invalid values are rejected.
func TestLoadWithFile_Validation(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, `server:
  port: 99999
`)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("LoadWithFile() error = nil, want validation error")
	}
	if !strings.Contains(err.Error(), "invalid server port") {
		t.Errorf("error = %v, want mention of invalid server port", err)
	}
}

// TestLoadWithFile_PathTraversal tests that paths outside allowed dirs are rejected.
func TestLoadWithFile_PathTraversal(t *testing.T) {
	_, cleanup := setupTestHome(t)
	defer cleanup()

	tmpDir := t.TempDir()
	outsidePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(outsidePath, []byte("server:\n  port: 9000\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, err := LoadWithFile(outsidePath)
	if err == nil {
		t.Fatal("LoadWithFile() error = nil, want path validation error")
	}
	if !strings.Contains(err.Error(), "config file must be in") {
		t.Errorf("error = %v, want path validation error", err)
	}
}

// TestLoadWithFile_InsecurePermissions tests rejection of world-readable files.
func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission checks are skipped on Windows")
	}

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "forged")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9000\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("LoadWithFile() error = nil, want permission error")
	}
	if !strings.Contains(err.Error(), "insecure config file permissions") {
		t.Errorf("error = %v, want permission error", err)
	}
}

// TestLoadWithFile_FileTooLarge tests rejection of oversized config files.
func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home, cleanup := setupTestHome(t)
	defer cleanup()

	configDir := filepath.Join(home, ".config", "forged")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	// YAML comment padding just past the limit
	var buf bytes.Buffer
	buf.WriteString("# padding\n")
	for buf.Len() <= maxConfigFileSize {
		buf.WriteString("# aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n")
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, buf.Bytes(), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("LoadWithFile() error = nil, want size error")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("error = %v, want size error", err)
	}
}

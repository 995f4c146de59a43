package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

listen:
  host: "0.0.0.0"
  port: 7100
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("expected default output 'stderr', got %q", cfg.Logging.Output)
	}
	if cfg.Listen.Port != 7100 {
		t.Errorf("expected listen.port 7100, got %d", cfg.Listen.Port)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected default shutdown_timeout 5s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Framing.MaxRPCLen != 1<<20 {
		t.Errorf("expected default max_rpc_len 1MiB, got %d", cfg.Framing.MaxRPCLen)
	}
}

func TestLoadNoConfigFileReturnsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistent := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistent)
	if err != nil {
		t.Fatalf("expected no error when config file is absent, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a default config to be returned")
	}
	if cfg.Listen.Host != "0.0.0.0" {
		t.Errorf("expected default listen host '0.0.0.0', got %q", cfg.Listen.Host)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error loading invalid YAML, got nil")
	}
}

func TestLoadByteSizeAndDurationDecodeHooks(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
framing:
  max_rpc_len: 4Mi
shutdown_timeout: 10s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Framing.MaxRPCLen != 4*1024*1024 {
		t.Errorf("expected max_rpc_len 4Mi, got %d", cfg.Framing.MaxRPCLen)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected shutdown_timeout 10s, got %v", cfg.ShutdownTimeout)
	}
}

func TestLoadInvalidLogLevelFailsValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "VERBOSE"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected validation error for unrecognized logging.level, got nil")
	}
}

func TestLoadEnvironmentVariablesOverrideFile(t *testing.T) {
	t.Setenv("KERNELTRANSPORT_LOGGING_LEVEL", "ERROR")
	t.Setenv("KERNELTRANSPORT_LISTEN_PORT", "9999")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
logging:
  level: "INFO"
listen:
  port: 7100
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Listen.Port != 9999 {
		t.Errorf("expected port 9999 from env var, got %d", cfg.Listen.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("expected default metrics addr ':9090', got %q", cfg.Metrics.Addr)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()

	if filepath.Base(path) != "config.yaml" {
		t.Errorf("expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sentinelfs/sentinel/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
mount: "/"
collector_addr: "collector.example.com:4443"
tls:
  cert_path: "/etc/sentinel/agent.crt"
  key_path:  "/etc/sentinel/agent.key"
  ca_path:   "/etc/sentinel/ca.crt"
log_level: debug
health_addr: "127.0.0.1:9001"
agent_version: "v0.1.0"
patterns:
  - name: encrypt-file-read-then-rewrite
    steps:
      - event: open
        count: 1
        quantifier: exactly
      - event: access
        count: 2
        quantifier: at_least
      - event: close_nowrite
        count: 1
        quantifier: exactly
      - event: open
        count: 1
        quantifier: exactly
      - event: modify
        count: 1
        quantifier: at_least
      - event: close_write
        count: 1
        quantifier: exactly
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Mount != "/" {
		t.Errorf("Mount = %q, want %q", cfg.Mount, "/")
	}
	if cfg.CollectorAddr != "collector.example.com:4443" {
		t.Errorf("CollectorAddr = %q, want %q", cfg.CollectorAddr, "collector.example.com:4443")
	}
	if cfg.TLS.CertPath != "/etc/sentinel/agent.crt" {
		t.Errorf("TLS.CertPath = %q", cfg.TLS.CertPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HealthAddr != "127.0.0.1:9001" {
		t.Errorf("HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9001")
	}
	if cfg.AgentVersion != "v0.1.0" {
		t.Errorf("AgentVersion = %q", cfg.AgentVersion)
	}
	if cfg.ResponseMode != "kill" {
		t.Errorf("default ResponseMode = %q, want kill", cfg.ResponseMode)
	}
	if len(cfg.Patterns) != 1 || len(cfg.Patterns[0].Steps) != 6 {
		t.Fatalf("Patterns = %+v, want one 6-step pattern", cfg.Patterns)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
mount: "/"
collector_addr: "collector.example.com:4443"
tls:
  cert_path: "/etc/sentinel/agent.crt"
  key_path:  "/etc/sentinel/agent.key"
  ca_path:   "/etc/sentinel/ca.crt"
patterns:
  - name: minimal
    steps:
      - event: modify
        count: 1
        quantifier: at_least
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HealthAddr != "127.0.0.1:9000" {
		t.Errorf("default HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9000")
	}
	if cfg.FatalThreshold != 10 {
		t.Errorf("default FatalThreshold = %d, want 10", cfg.FatalThreshold)
	}
	if cfg.HistoryCapacity != 1024 {
		t.Errorf("default HistoryCapacity = %d, want 1024", cfg.HistoryCapacity)
	}
	if cfg.BackupPath != "/var/lib/sentinel/backups.db" {
		t.Errorf("default BackupPath = %q", cfg.BackupPath)
	}
}

func TestLoadConfig_MissingMount(t *testing.T) {
	yaml := `
collector_addr: "collector.example.com:4443"
tls:
  cert_path: "/etc/sentinel/agent.crt"
  key_path:  "/etc/sentinel/agent.key"
  ca_path:   "/etc/sentinel/ca.crt"
patterns:
  - name: minimal
    steps:
      - event: modify
        count: 1
        quantifier: at_least
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing mount, got nil")
	}
	if !strings.Contains(err.Error(), "mount") {
		t.Errorf("error %q does not mention mount", err.Error())
	}
}

func TestLoadConfig_MissingCertPath(t *testing.T) {
	yaml := `
mount: "/"
collector_addr: "collector.example.com:4443"
tls:
  key_path:  "/etc/sentinel/agent.key"
  ca_path:   "/etc/sentinel/ca.crt"
patterns:
  - name: minimal
    steps:
      - event: modify
        count: 1
        quantifier: at_least
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing tls.cert_path, got nil")
	}
	if !strings.Contains(err.Error(), "cert_path") {
		t.Errorf("error %q does not mention cert_path", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := strings.Replace(validYAML, "log_level: debug", "log_level: \"verbose\"", 1)
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidResponseMode(t *testing.T) {
	yaml := validYAML + "\nresponse_mode: \"pause\"\n"
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid response_mode, got nil")
	}
	if !strings.Contains(err.Error(), "response_mode") {
		t.Errorf("error %q does not mention response_mode", err.Error())
	}
}

func TestLoadConfig_NoPatterns(t *testing.T) {
	yaml := `
mount: "/"
collector_addr: "collector.example.com:4443"
tls:
  cert_path: "/etc/sentinel/agent.crt"
  key_path:  "/etc/sentinel/agent.key"
  ca_path:   "/etc/sentinel/ca.crt"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for empty patterns, got nil")
	}
	if !strings.Contains(err.Error(), "pattern") {
		t.Errorf("error %q does not mention patterns", err.Error())
	}
}

func TestLoadConfig_UnknownEventInStep(t *testing.T) {
	yaml := `
mount: "/"
collector_addr: "collector.example.com:4443"
tls:
  cert_path: "/etc/sentinel/agent.crt"
  key_path:  "/etc/sentinel/agent.key"
  ca_path:   "/etc/sentinel/ca.crt"
patterns:
  - name: bogus
    steps:
      - event: rename
        count: 1
        quantifier: exactly
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unknown event, got nil")
	}
	if !strings.Contains(err.Error(), "rename") {
		t.Errorf("error %q does not mention invalid event %q", err.Error(), "rename")
	}
}

func TestLoadConfig_ExactlyZeroRejected(t *testing.T) {
	yaml := `
mount: "/"
collector_addr: "collector.example.com:4443"
tls:
  cert_path: "/etc/sentinel/agent.crt"
  key_path:  "/etc/sentinel/agent.key"
  ca_path:   "/etc/sentinel/ca.crt"
patterns:
  - name: bogus
    steps:
      - event: open
        count: 0
        quantifier: exactly
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for count 0 with exactly, got nil")
	}
	if !strings.Contains(err.Error(), "exactly") {
		t.Errorf("error %q does not mention exactly", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestCompilePatterns_BuildsCanonicalPattern(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	patterns, err := config.CompilePatterns(cfg.Patterns)
	if err != nil {
		t.Fatalf("CompilePatterns: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Name != "encrypt-file-read-then-rewrite" || len(patterns[0].Pattern) != 6 {
		t.Fatalf("patterns = %+v, want one named 6-step pattern", patterns)
	}
}

// Package config provides YAML configuration loading and validation for the
// sentinel agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the sentinel agent.
type Config struct {
	// Mount is the filesystem mount point the agent marks for fanotify
	// permission events (e.g. "/"). Required.
	Mount string `yaml:"mount"`

	// CollectorAddr is the gRPC endpoint of the sentinel collector (e.g.
	// "collector.example.com:4443"). Required.
	CollectorAddr string `yaml:"collector_addr"`

	// TLS holds the paths to the agent certificate, private key, and CA
	// certificate used for mTLS against the collector. Required.
	TLS TLSConfig `yaml:"tls"`

	// BackupPath is the path to the SQLite backup-store database file.
	// Defaults to "/var/lib/sentinel/backups.db" when omitted.
	BackupPath string `yaml:"backup_path"`

	// QueuePath is the path to the SQLite durable report queue database
	// file. Defaults to "/var/lib/sentinel/queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// AuditLogPath is the path to the tamper-evident audit log. Defaults
	// to "/var/log/sentinel/audit.jsonl" when omitted.
	AuditLogPath string `yaml:"audit_log_path"`

	// ResponseMode selects the verdict issued on a pattern match: "kill"
	// terminates the offending process, "stop" suspends it for review.
	// Defaults to "kill" when omitted.
	ResponseMode string `yaml:"response_mode"`

	// FatalThreshold is the number of queue-overflow or
	// protocol-version-mismatch events (each kind counted in total, not
	// consecutively) the correlator loop tolerates before exiting non-zero.
	// Defaults to 10 when omitted.
	FatalThreshold int `yaml:"fatal_threshold"`

	// HistoryCapacity bounds the number of logical events retained per
	// (pid, path) pair. Defaults to 1024 when omitted.
	HistoryCapacity int `yaml:"history_capacity"`

	// Patterns is the list of malicious access patterns the correlator
	// matches against. At least one is required.
	Patterns []PatternConfig `yaml:"patterns"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// AgentVersion is an optional human-readable version string sent to
	// the collector during agent registration (e.g. "v0.1.0").
	AgentVersion string `yaml:"agent_version"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the agent's PEM-encoded client certificate.
	// Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the agent's PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector's certificate. Required.
	CAPath string `yaml:"ca_path"`
}

// PatternConfig describes one malicious access pattern as an ordered list
// of (event, count, quantifier) steps.
type PatternConfig struct {
	// Name is a human-readable identifier (e.g.
	// "encrypt-file-read-then-rewrite"). Required.
	Name string `yaml:"name"`

	// Steps is the ordered sequence of event/count/quantifier triples
	// making up this pattern. At least one is required.
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig is one step of a PatternConfig.
type StepConfig struct {
	// Event is one of "open", "exec", "access", "modify", "close_write",
	// "close_nowrite". Required.
	Event string `yaml:"event"`

	// Count is the quantifier's operand. It must be > 0 when Quantifier is
	// "exactly"; "at_least" and "more_than" accept 0.
	Count uint32 `yaml:"count"`

	// Quantifier is one of "exactly", "more_than", "at_least". Required.
	Quantifier string `yaml:"quantifier"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validResponseModes = map[string]bool{"kill": true, "stop": true}

var validEvents = map[string]bool{
	"open": true, "exec": true, "access": true,
	"modify": true, "close_write": true, "close_nowrite": true,
}

var validQuantifiers = map[string]bool{"exactly": true, "more_than": true, "at_least": true}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
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

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.BackupPath == "" {
		cfg.BackupPath = "/var/lib/sentinel/backups.db"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "/var/lib/sentinel/queue.db"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "/var/log/sentinel/audit.jsonl"
	}
	if cfg.ResponseMode == "" {
		cfg.ResponseMode = "kill"
	}
	if cfg.FatalThreshold == 0 {
		cfg.FatalThreshold = 10
	}
	if cfg.HistoryCapacity == 0 {
		cfg.HistoryCapacity = 1024
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Mount == "" {
		errs = append(errs, errors.New("mount is required"))
	}
	if cfg.CollectorAddr == "" {
		errs = append(errs, errors.New("collector_addr is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validResponseModes[cfg.ResponseMode] {
		errs = append(errs, fmt.Errorf("response_mode %q must be one of: kill, stop", cfg.ResponseMode))
	}
	if cfg.FatalThreshold < 1 {
		errs = append(errs, fmt.Errorf("fatal_threshold must be >= 1, got %d", cfg.FatalThreshold))
	}
	if cfg.HistoryCapacity < 1 {
		errs = append(errs, fmt.Errorf("history_capacity must be >= 1, got %d", cfg.HistoryCapacity))
	}
	if len(cfg.Patterns) == 0 {
		errs = append(errs, errors.New("at least one pattern is required"))
	}

	for i, p := range cfg.Patterns {
		prefix := fmt.Sprintf("patterns[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if len(p.Steps) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one step is required", prefix))
		}
		for j, s := range p.Steps {
			sp := fmt.Sprintf("%s.steps[%d]", prefix, j)
			if !validEvents[s.Event] {
				errs = append(errs, fmt.Errorf("%s: event %q must be one of: open, exec, access, modify, close_write, close_nowrite", sp, s.Event))
			}
			if !validQuantifiers[s.Quantifier] {
				errs = append(errs, fmt.Errorf("%s: quantifier %q must be one of: exactly, more_than, at_least", sp, s.Quantifier))
			}
			if s.Count == 0 && s.Quantifier == "exactly" {
				errs = append(errs, fmt.Errorf("%s: count must be > 0 when quantifier is exactly", sp))
			}
		}
	}

	return errors.Join(errs...)
}

// Package config provides YAML configuration loading and validation for the
// svtrace decode agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for svtrace-decode.
type Config struct {
	// Source describes where to read the RTT Lite Trace stream from.
	Source SourceConfig `yaml:"source"`

	// ResourceCaps holds the caps for the buffer combiner's per-context
	// accumulators (spec.md §5). Both default when omitted. They are loaded
	// and validated only: the decoder is not given them and always applies
	// its built-in caps (64 KiB buffer, 100-byte thread info).
	ResourceCaps ResourceCaps `yaml:"resource_caps"`

	// CollectorAddr is the gRPC endpoint of svtrace-collectord (e.g.
	// "collector.example.com:4443"). Required.
	CollectorAddr string `yaml:"collector_addr"`

	// TLS holds the paths to the agent certificate, private key, and CA
	// certificate used for mTLS to the collector. Required.
	TLS TLSConfig `yaml:"tls"`

	// QueuePath is the path to the local SQLite queue database. Defaults to
	// "svtrace-queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// AuditPath is the path to the hash-chained defect audit log. Defaults
	// to "svtrace-audit.log" when omitted.
	AuditPath string `yaml:"audit_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// SourceConfig selects and configures the decode pipeline's byte source.
type SourceConfig struct {
	// Kind is one of "file" or "bridge". Required.
	Kind string `yaml:"kind"`

	// FilePath is the capture file to replay. Required when Kind is "file".
	FilePath string `yaml:"file_path,omitempty"`
}

// ResourceCaps mirrors the buffer combiner's resource limits (spec.md §5).
// The values are not passed to the decode pipeline.
type ResourceCaps struct {
	// ThreadInfoCapBytes bounds the thread-info accumulator. Defaults to
	// 100 when omitted.
	ThreadInfoCapBytes int `yaml:"thread_info_cap_bytes"`

	// BufferCapBytes bounds the generic buffer accumulator. Defaults to
	// 65536 when omitted.
	BufferCapBytes int `yaml:"buffer_cap_bytes"`
}

// TLSConfig holds certificate and key paths for mTLS to the collector.
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

const (
	defaultThreadInfoCapBytes = 100
	defaultBufferCapBytes     = 64 * 1024
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validSourceKinds is the set of accepted source.kind values.
var validSourceKinds = map[string]bool{
	"file":   true,
	"bridge": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error joins
// every failure found (errors.Join), not only the first.
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
	if cfg.QueuePath == "" {
		cfg.QueuePath = "svtrace-queue.db"
	}
	if cfg.AuditPath == "" {
		cfg.AuditPath = "svtrace-audit.log"
	}
	if cfg.ResourceCaps.ThreadInfoCapBytes == 0 {
		cfg.ResourceCaps.ThreadInfoCapBytes = defaultThreadInfoCapBytes
	}
	if cfg.ResourceCaps.BufferCapBytes == 0 {
		cfg.ResourceCaps.BufferCapBytes = defaultBufferCapBytes
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validSourceKinds[cfg.Source.Kind] {
		errs = append(errs, fmt.Errorf("source.kind %q must be one of: file, bridge", cfg.Source.Kind))
	}
	if cfg.Source.Kind == "file" && cfg.Source.FilePath == "" {
		errs = append(errs, errors.New("source.file_path is required when source.kind is \"file\""))
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
	if cfg.ResourceCaps.ThreadInfoCapBytes <= 0 {
		errs = append(errs, errors.New("resource_caps.thread_info_cap_bytes must be positive"))
	}
	if cfg.ResourceCaps.BufferCapBytes <= 0 {
		errs = append(errs, errors.New("resource_caps.buffer_cap_bytes must be positive"))
	}

	return errors.Join(errs...)
}

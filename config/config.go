package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete trust service configuration
type Config struct {
	Service      ServiceConfig      `yaml:"service" json:"service"`
	TLS          TLSConfig          `yaml:"tls" json:"tls"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Database     DatabaseConfig     `yaml:"database" json:"database"`
	CRLCache     CRLCacheConfig     `yaml:"crl_cache" json:"crl_cache"`
	Verification VerificationConfig `yaml:"verification" json:"verification"`
	Transport    TransportConfig    `yaml:"transport" json:"transport"`
}

// ServiceConfig defines service metadata
type ServiceConfig struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// TLSConfig defines TLS certificate configuration for the HTTP listener
type TLSConfig struct {
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // TLS1.2, TLS1.3
}

// Enabled reports whether a server certificate is configured
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`           // debug, info, warn, error
	Format    string `yaml:"format" json:"format"`         // json, text
	Output    string `yaml:"output" json:"output"`         // stdout, file
	File      string `yaml:"file" json:"file"`             // log file path when output=file
	AuditFile string `yaml:"audit_file" json:"audit_file"` // JSONL audit copy, optional
}

// DatabaseConfig defines the certificate/CRL directory store
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"` // sqlite
	DSN    string `yaml:"dsn" json:"dsn"`
}

// CRLCacheConfig defines the persistent tier behind the in-memory CRL cache
type CRLCacheConfig struct {
	Backend               string `yaml:"backend" json:"backend"` // db, bolt, none
	BoltPath              string `yaml:"bolt_path" json:"bolt_path"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`
}

// VerificationConfig defines trust chain and passive authentication defaults
type VerificationConfig struct {
	MaxChainDepth        int  `yaml:"max_chain_depth" json:"max_chain_depth"` // 1..10
	DisableValidityCheck bool `yaml:"disable_validity_check" json:"disable_validity_check"`
	CheckRevocation      bool `yaml:"check_revocation" json:"check_revocation"`
	DisableEmbeddedDSC   bool `yaml:"disable_embedded_dsc" json:"disable_embedded_dsc"`
	WorkerPoolSize       int  `yaml:"worker_pool_size" json:"worker_pool_size"`
	LookupConcurrency    int  `yaml:"lookup_concurrency" json:"lookup_concurrency"`
}

// TransportConfig defines transport layer configuration
type TransportConfig struct {
	HTTPAddr        string        `yaml:"http_addr" json:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// Loader provides configuration loading functionality
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses configuration from file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine format by extension
	ext := filepath.Ext(path)

	var config Config
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	l.SetDefaults(&config)

	return &config, nil
}

// Default returns a configuration with every default applied
func (l *Loader) Default() *Config {
	config := &Config{}
	l.SetDefaults(config)
	return config
}

// Validate checks configuration validity
func (l *Loader) Validate(config *Config) error {
	// Validate TLS files exist
	for name, path := range map[string]string{
		"cert_file": config.TLS.CertFile,
		"key_file":  config.TLS.KeyFile,
		"ca_file":   config.TLS.CAFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s not found: %s", name, path)
		}
	}
	if (config.TLS.CertFile == "") != (config.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid logging level: %s", config.Logging.Level)
	}

	switch config.Logging.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("invalid logging format: %s", config.Logging.Format)
	}

	switch config.Logging.Output {
	case "stdout", "stderr", "":
	case "file":
		if config.Logging.File == "" {
			return fmt.Errorf("logging.file is required when output=file")
		}
	default:
		return fmt.Errorf("invalid logging output: %s", config.Logging.Output)
	}

	switch config.Database.Driver {
	case "sqlite", "":
	default:
		return fmt.Errorf("unsupported database driver: %s", config.Database.Driver)
	}

	switch config.CRLCache.Backend {
	case "db", "none", "":
	case "bolt":
		if config.CRLCache.BoltPath == "" {
			return fmt.Errorf("crl_cache.bolt_path is required when backend=bolt")
		}
	default:
		return fmt.Errorf("invalid crl_cache backend: %s", config.CRLCache.Backend)
	}
	if t := config.CRLCache.DefaultTimeoutSeconds; t != 0 && (t < 5 || t > 300) {
		return fmt.Errorf("crl_cache.default_timeout_seconds must be between 5 and 300, got %d", t)
	}

	if d := config.Verification.MaxChainDepth; d != 0 && (d < 1 || d > 10) {
		return fmt.Errorf("verification.max_chain_depth must be between 1 and 10, got %d", d)
	}
	if config.Verification.WorkerPoolSize < 0 {
		return fmt.Errorf("verification.worker_pool_size must not be negative")
	}
	if config.Verification.LookupConcurrency < 0 {
		return fmt.Errorf("verification.lookup_concurrency must not be negative")
	}

	return nil
}

// SetDefaults sets default values for optional fields
func (l *Loader) SetDefaults(config *Config) {
	// Service defaults
	if config.Service.ID == "" {
		config.Service.ID = "pkd-trust"
	}
	if config.Service.Version == "" {
		config.Service.Version = "v1.0.0"
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	// Database defaults
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	if config.Database.DSN == "" {
		config.Database.DSN = "pkd-trust.db"
	}

	// CRL cache defaults
	if config.CRLCache.Backend == "" {
		config.CRLCache.Backend = "db"
	}
	if config.CRLCache.DefaultTimeoutSeconds == 0 {
		config.CRLCache.DefaultTimeoutSeconds = 30
	}

	// Verification defaults
	if config.Verification.MaxChainDepth == 0 {
		config.Verification.MaxChainDepth = 5
	}
	if config.Verification.WorkerPoolSize == 0 {
		config.Verification.WorkerPoolSize = 8
	}
	if config.Verification.LookupConcurrency == 0 {
		config.Verification.LookupConcurrency = 16
	}

	// Transport defaults
	if config.Transport.HTTPAddr == "" {
		config.Transport.HTTPAddr = ":8080"
	}
	if config.Transport.ReadTimeout == 0 {
		config.Transport.ReadTimeout = 15 * time.Second
	}
	if config.Transport.WriteTimeout == 0 {
		config.Transport.WriteTimeout = 60 * time.Second
	}
	if config.Transport.IdleTimeout == 0 {
		config.Transport.IdleTimeout = 60 * time.Second
	}
	if config.Transport.ShutdownTimeout == 0 {
		config.Transport.ShutdownTimeout = 10 * time.Second
	}
	if config.Transport.MaxBodyBytes == 0 {
		config.Transport.MaxBodyBytes = 8 << 20
	}

	// TLS defaults
	if config.TLS.MinVersion == "" {
		config.TLS.MinVersion = "TLS1.2"
	}
}

// Package config loads fieldops configuration from YAML with environment
// overrides.
//
// Environment variables follow the pattern FIELDOPS_SECTION_KEY, for example
// FIELDOPS_TABLES_MAIN or FIELDOPS_ENCRYPTION_KMS_KEY_ID.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/cipher"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/store"
)

// EnvProduction is the environment name that forbids degraded encryption.
const EnvProduction = "production"

// Environments lists the accepted encryption.environment values.
var Environments = []string{"development", "test", "staging", EnvProduction}

// Config is the complete fieldops configuration.
type Config struct {
	AWS        AWSConfig        `yaml:"aws"`
	Tables     TablesConfig     `yaml:"tables"`
	Encryption EncryptionConfig `yaml:"encryption"`
	AssetSync  AssetSyncConfig  `yaml:"asset_sync"`
	Pagination PaginationConfig `yaml:"pagination"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AWSConfig selects the region and, for local development, an endpoint
// override such as DynamoDB Local.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// TablesConfig names the DynamoDB tables.
type TablesConfig struct {
	Main string `yaml:"main"`

	// Locks holds region lock records. Empty means Main.
	Locks string `yaml:"locks"`
}

// EncryptionConfig configures the field cipher.
type EncryptionConfig struct {
	Environment        string `yaml:"environment"`
	KMSKeyID           string `yaml:"kms_key_id"`
	AllowLocalFallback bool   `yaml:"allow_local_fallback"`

	// Fields overrides the built-in sensitive field table, keyed by entity
	// type.
	Fields map[string][]string `yaml:"fields"`
}

// Production reports whether the environment is production, ignoring case
// and surrounding space.
func (e EncryptionConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(e.Environment), EnvProduction)
}

// SensitiveFields returns the field override in cipher form, or nil.
func (e EncryptionConfig) SensitiveFields() map[keys.EntityType][]string {
	if len(e.Fields) == 0 {
		return nil
	}
	out := make(map[keys.EntityType][]string, len(e.Fields))
	for t, names := range e.Fields {
		out[keys.EntityType(strings.ToUpper(t))] = names
	}
	return out
}

// AssetSyncConfig configures the asset-graph client. An empty BaseURL
// disables sync.
type AssetSyncConfig struct {
	BaseURL        string  `yaml:"base_url"`
	ClientID       string  `yaml:"client_id"`
	ClientSecret   string  `yaml:"client_secret"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
	Burst          int     `yaml:"burst"`
	RetryCount     int     `yaml:"retry_count"`
}

// Enabled reports whether a sync endpoint is configured.
func (a AssetSyncConfig) Enabled() bool { return a.BaseURL != "" }

// Timeout returns the per-call timeout.
func (a AssetSyncConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// PaginationConfig bounds list page sizes.
type PaginationConfig struct {
	DefaultPageSize int32 `yaml:"default_page_size"`
	MaxPageSize     int32 `yaml:"max_page_size"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with defaults for every optional setting.
func Default() *Config {
	return &Config{
		AWS:        AWSConfig{Region: "ap-south-1"},
		Tables:     TablesConfig{Main: "fieldops"},
		Encryption: EncryptionConfig{Environment: "development"},
		AssetSync: AssetSyncConfig{
			TimeoutSeconds: 10,
			RatePerSec:     5,
			Burst:          5,
			RetryCount:     2,
		},
		Pagination: PaginationConfig{DefaultPageSize: 25, MaxPageSize: 100},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"FIELDOPS_AWS_REGION":               &cfg.AWS.Region,
		"FIELDOPS_AWS_ENDPOINT":             &cfg.AWS.Endpoint,
		"FIELDOPS_TABLES_MAIN":              &cfg.Tables.Main,
		"FIELDOPS_TABLES_LOCKS":             &cfg.Tables.Locks,
		"FIELDOPS_ENCRYPTION_ENVIRONMENT":   &cfg.Encryption.Environment,
		"FIELDOPS_ENCRYPTION_KMS_KEY_ID":    &cfg.Encryption.KMSKeyID,
		"FIELDOPS_ASSET_SYNC_BASE_URL":      &cfg.AssetSync.BaseURL,
		"FIELDOPS_ASSET_SYNC_CLIENT_ID":     &cfg.AssetSync.ClientID,
		"FIELDOPS_ASSET_SYNC_CLIENT_SECRET": &cfg.AssetSync.ClientSecret,
		"FIELDOPS_LOGGING_LEVEL":            &cfg.Logging.Level,
		"FIELDOPS_LOGGING_FORMAT":           &cfg.Logging.Format,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("FIELDOPS_ENCRYPTION_ALLOW_LOCAL_FALLBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FIELDOPS_ENCRYPTION_ALLOW_LOCAL_FALLBACK: %w", err)
		}
		cfg.Encryption.AllowLocalFallback = b
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Tables.Main == "" {
		errs = append(errs, "tables.main is required")
	}
	if c.AWS.Region == "" {
		errs = append(errs, "aws.region is required")
	}

	if !slices.ContainsFunc(Environments, func(env string) bool {
		return strings.EqualFold(strings.TrimSpace(c.Encryption.Environment), env)
	}) {
		errs = append(errs, fmt.Sprintf("encryption.environment %q is not one of %s",
			c.Encryption.Environment, strings.Join(Environments, ", ")))
	}
	if c.Encryption.Production() {
		if c.Encryption.AllowLocalFallback {
			errs = append(errs, "encryption.allow_local_fallback must be false in production")
		}
		if c.Encryption.KMSKeyID == "" {
			errs = append(errs, "encryption.kms_key_id is required in production")
		}
	}
	for t := range c.Encryption.Fields {
		if !keys.EntityType(strings.ToUpper(t)).Valid() {
			errs = append(errs, fmt.Sprintf("encryption.fields: unknown entity type %q", t))
		}
	}

	if c.AssetSync.Enabled() && c.AssetSync.ClientID == "" {
		errs = append(errs, "asset_sync.client_id is required when base_url is set")
	}
	if c.AssetSync.RatePerSec < 0 {
		errs = append(errs, "asset_sync.rate_per_sec must not be negative")
	}

	p := c.Pagination
	if p.MaxPageSize < 1 || p.MaxPageSize > 100 {
		errs = append(errs, "pagination.max_page_size must be between 1 and 100")
	}
	if p.DefaultPageSize < 1 || p.DefaultPageSize > p.MaxPageSize {
		errs = append(errs, "pagination.default_page_size must be between 1 and max_page_size")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not json or text", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StoreConfig returns the store settings.
func (c *Config) StoreConfig() store.Config {
	sc := store.DefaultConfig()
	sc.Table = c.Tables.Main
	sc.LockTable = c.Tables.Locks
	sc.DefaultPageSize = c.Pagination.DefaultPageSize
	sc.MaxPageSize = c.Pagination.MaxPageSize
	sc.Validate()
	return sc
}

// CipherOptions returns the cipher settings. The logger and clock are left
// to the caller.
func (c *Config) CipherOptions() cipher.Options {
	return cipher.Options{
		AllowLocalFallback: c.Encryption.AllowLocalFallback,
		Fields:             c.Encryption.SensitiveFields(),
	}
}

// AssetSyncClient returns the asset-graph client settings.
func (c *Config) AssetSyncClient() assetsync.Config {
	a := c.AssetSync
	return assetsync.Config{
		BaseURL:      a.BaseURL,
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Timeout:      a.Timeout(),
		RatePerSec:   a.RatePerSec,
		Burst:        a.Burst,
		RetryCount:   a.RetryCount,
	}
}

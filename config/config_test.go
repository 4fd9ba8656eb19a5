package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/fieldops/keys"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tables:\n  main: things\n"))
	require.NoError(t, err)

	assert.Equal(t, "things", cfg.Tables.Main)
	assert.Equal(t, "ap-south-1", cfg.AWS.Region)
	assert.Equal(t, int32(25), cfg.Pagination.DefaultPageSize)
	assert.Equal(t, int32(100), cfg.Pagination.MaxPageSize)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.AssetSync.Enabled())
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
aws:
  region: eu-west-1
  endpoint: http://localhost:8000
tables:
  main: fieldops-dev
  locks: fieldops-locks
encryption:
  environment: staging
  kms_key_id: alias/fieldops
  fields:
    device: [serialNumber, imei]
asset_sync:
  base_url: https://assets.example.com
  client_id: fieldops
  client_secret: s3cret
  timeout_seconds: 3
  rate_per_sec: 2
  burst: 4
pagination:
  default_page_size: 10
  max_page_size: 50
logging:
  level: debug
  format: text
`))
	require.NoError(t, err)

	sc := cfg.StoreConfig()
	assert.Equal(t, "fieldops-dev", sc.Table)
	assert.Equal(t, "fieldops-locks", sc.TableFor(keys.RegionLock))
	assert.Equal(t, int32(10), sc.DefaultPageSize)

	opts := cfg.CipherOptions()
	assert.False(t, opts.AllowLocalFallback)
	assert.Equal(t, []string{"serialNumber", "imei"}, opts.Fields[keys.Device])

	ac := cfg.AssetSyncClient()
	assert.Equal(t, "https://assets.example.com", ac.BaseURL)
	assert.Equal(t, 3*time.Second, ac.Timeout)
	assert.Equal(t, 4, ac.Burst)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FIELDOPS_TABLES_MAIN", "from-env")
	t.Setenv("FIELDOPS_ENCRYPTION_ALLOW_LOCAL_FALLBACK", "true")
	t.Setenv("FIELDOPS_LOGGING_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "tables:\n  main: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Tables.Main)
	assert.True(t, cfg.Encryption.AllowLocalFallback)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_BadEnvBool(t *testing.T) {
	t.Setenv("FIELDOPS_ENCRYPTION_ALLOW_LOCAL_FALLBACK", "sometimes")
	_, err := Load(writeConfig(t, "{}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIELDOPS_ENCRYPTION_ALLOW_LOCAL_FALLBACK")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")

	_, err = Load(writeConfig(t, "tables: [unclosed\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"production fallback", func(c *Config) {
			c.Encryption.Environment = EnvProduction
			c.Encryption.KMSKeyID = "alias/k"
			c.Encryption.AllowLocalFallback = true
		}, "allow_local_fallback must be false in production"},
		{"production without key", func(c *Config) {
			c.Encryption.Environment = EnvProduction
		}, "kms_key_id is required in production"},
		{"unknown field type", func(c *Config) {
			c.Encryption.Fields = map[string][]string{"gadget": {"x"}}
		}, `unknown entity type "gadget"`},
		{"production fallback any case", func(c *Config) {
			c.Encryption.Environment = " Production "
			c.Encryption.KMSKeyID = "alias/k"
			c.Encryption.AllowLocalFallback = true
		}, "allow_local_fallback must be false in production"},
		{"unknown environment", func(c *Config) {
			c.Encryption.Environment = "prod"
		}, `encryption.environment "prod"`},
		{"sync without client", func(c *Config) {
			c.AssetSync.BaseURL = "https://assets"
		}, "asset_sync.client_id is required"},
		{"page size over cap", func(c *Config) {
			c.Pagination.MaxPageSize = 500
		}, "pagination.max_page_size"},
		{"default above max", func(c *Config) {
			c.Pagination.DefaultPageSize = 60
			c.Pagination.MaxPageSize = 50
		}, "pagination.default_page_size"},
		{"empty table", func(c *Config) { c.Tables.Main = "" }, "tables.main is required"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Tables.Main = ""
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tables.main")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidate_ProductionWithKMS(t *testing.T) {
	cfg := Default()
	cfg.Encryption.Environment = EnvProduction
	cfg.Encryption.KMSKeyID = "alias/fieldops"
	assert.NoError(t, cfg.Validate())
}

func TestEncryptionConfig_Production(t *testing.T) {
	for env, want := range map[string]bool{
		"production":   true,
		"PRODUCTION":   true,
		" Production ": true,
		"staging":      false,
		"":             false,
	} {
		assert.Equal(t, want, EncryptionConfig{Environment: env}.Production(), env)
	}
}

func TestDefault_FallbackOff(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Encryption.AllowLocalFallback)
	assert.False(t, cfg.CipherOptions().AllowLocalFallback)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "default", cfg.TenantID)
	assert.Equal(t, 262144, cfg.ReceiptBodyMaxBytes)
	assert.Equal(t, "sqlite", cfg.DBBackend())
	assert.True(t, cfg.AutoMigrate)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RECEIPTGATE_PORT", "9090")
	t.Setenv("RECEIPTGATE_TENANT_ID", "acme")
	t.Setenv("RECEIPTGATE_API_KEYS", "rg_one, rg_two,")
	t.Setenv("RECEIPTGATE_REQUIRE_CAUSE_EXISTS", "true")
	t.Setenv("RECEIPTGATE_SEARCH_MAX_LIMIT", "200")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, []string{"rg_one", "rg_two"}, cfg.APIKeys)
	assert.True(t, cfg.RequireCauseExists)
	assert.Equal(t, 200, cfg.SearchMaxLimit)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 7000\ntenant_id: from-file\napi_keys: [rg_file]\n"), 0o600))
	t.Setenv("RECEIPTGATE_CONFIG", path)
	t.Setenv("RECEIPTGATE_TENANT_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	// Env wins over the file; untouched file values stay.
	assert.Equal(t, "from-env", cfg.TenantID)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, []string{"rg_file"}, cfg.APIKeys)
}

func TestLoad_DatabaseURLFallback(t *testing.T) {
	t.Setenv("RECEIPTGATE_ALLOW_INSECURE_DEV", "1")
	t.Setenv("DATABASE_URL", "postgres://rg:rg@localhost/receipts")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://rg:rg@localhost/receipts", cfg.DatabaseURL)
	assert.Equal(t, "postgres", cfg.DBBackend())

	// The namespaced variable wins over the bare one.
	t.Setenv("RECEIPTGATE_DATABASE_URL", "file:other.db")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "file:other.db", cfg.DatabaseURL)
	assert.Equal(t, "sqlite", cfg.DBBackend())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.APIKeys = []string{"rg_test"}
		return cfg
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Port = 0
	assert.ErrorContains(t, cfg.Validate(), "port")

	cfg = base()
	cfg.APIKeys = nil
	assert.ErrorContains(t, cfg.Validate(), "api_keys")
	cfg.AllowInsecureDev = true
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.SearchMaxLimit = 10
	cfg.SearchDefaultLimit = 50
	assert.ErrorContains(t, cfg.Validate(), "search_max_limit")

	cfg = base()
	cfg.ReceiptBodyMaxBytes = 0
	assert.ErrorContains(t, cfg.Validate(), "receipt_body_max_bytes")
}

func TestDBBackend(t *testing.T) {
	cfg := Defaults()
	for url, backend := range map[string]string{
		"postgres://u:p@h/db":   "postgres",
		"postgresql://u:p@h/db": "postgres",
		"file:receipts.db":      "sqlite",
		"receipts.db":           "sqlite",
	} {
		cfg.DatabaseURL = url
		assert.Equal(t, backend, cfg.DBBackend(), url)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEDGER_CONFIG_FILE", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("LEDGER_ALLOW_OVERDRAFT", "")

	cfg := Load()

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.False(t, cfg.AllowOverdraft)
	assert.Equal(t, 5, cfg.RetryMax)
	assert.Equal(t, "USD", cfg.Currency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_host: db.internal
db_name: books
allow_overdraft: true
retry_initial: 50ms
kafka_brokers: [k1:9092]
`), 0o600))

	t.Setenv("LEDGER_CONFIG_FILE", path)
	t.Setenv("DB_NAME", "override")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("RECONCILE_INTERVAL", "10s")

	cfg := Load()

	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, "override", cfg.DBName)
	assert.True(t, cfg.AllowOverdraft)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 10*time.Second, cfg.ReconcileInterval)
}

func TestInvalidEnvKeepsFallback(t *testing.T) {
	t.Setenv("LEDGER_CONFIG_FILE", "")
	t.Setenv("LEDGER_RETRY_MAX", "many")
	t.Setenv("LEDGER_ALLOW_OVERDRAFT", "perhaps")

	cfg := Load()

	assert.Equal(t, 5, cfg.RetryMax)
	assert.False(t, cfg.AllowOverdraft)
}

func TestGetDBConnectionString(t *testing.T) {
	cfg := Default()
	cfg.DBHost = "pg"
	cfg.DBPort = "6543"

	assert.Equal(t,
		"host=pg port=6543 user=postgres password=password dbname=ledger sslmode=disable",
		cfg.GetDBConnectionString())
}

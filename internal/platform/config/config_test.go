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
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Audit.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Registry.TTL)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenantguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
registry:
  ttl: 45s
kafka:
  brokers: ["k1:9092"]
audit:
  overflow_path: /tmp/overflow.cbor
  max_attempts: 5
`), 0o600))

	t.Setenv("TENANTGUARD_REGISTRY_TTL", "10s")
	t.Setenv("TENANTGUARD_KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("TENANTGUARD_POSTGRES_MIGRATE_ON_START", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Registry.TTL, "env overrides file")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Audit.MaxAttempts)
	assert.True(t, cfg.Postgres.MigrateOnStart)
	assert.Equal(t, "/tmp/overflow.cbor", cfg.Audit.OverflowPath)
	assert.Equal(t, 2*time.Second, cfg.Registry.LookupTimeout, "untouched defaults survive")
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad flag in env", func(t *testing.T) {
		t.Setenv("TENANTGUARD_KAFKA_CREATE_TOPIC", "maybe")
		_, err := Load("")
		assert.ErrorContains(t, err, "TENANTGUARD_KAFKA_CREATE_TOPIC")
	})

	t.Run("bad duration in env", func(t *testing.T) {
		t.Setenv("TENANTGUARD_GATE_ACTION_TIMEOUT", "soon")
		_, err := Load("")
		assert.ErrorContains(t, err, "TENANTGUARD_GATE_ACTION_TIMEOUT")
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("TENANTGUARD_AUDIT_MAX_ATTEMPTS", "0")
		t.Setenv("TENANTGUARD_LOG_FORMAT", "xml")
		_, err := Load("")
		require.Error(t, err)
		assert.ErrorContains(t, err, "max_attempts")
		assert.ErrorContains(t, err, "log.format")
	})
}

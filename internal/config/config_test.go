package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEYGATE_SECURITY_CLIENT_SECRET", "unit-test-client-secret-0001")
	t.Setenv("KEYGATE_SECURITY_STORE_PEPPER", "unit-test-store-pepper-0001")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Security.TimestampSkew)
	assert.Equal(t, 3, cfg.License.RebindLimit)
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Heartbeat.OfflineGrace)
	assert.Equal(t, 60, cfg.Security.RateLimit.ClientPerMinute)
	assert.Equal(t, 10, cfg.Security.RateLimit.ActivationPerHour)
}

func TestLoadMissingSecretFails(t *testing.T) {
	t.Setenv("KEYGATE_SECURITY_CLIENT_SECRET", "")
	t.Setenv("KEYGATE_SECURITY_STORE_PEPPER", "")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("KEYGATE_SECURITY_CLIENT_SECRET", "short")
	t.Setenv("KEYGATE_SECURITY_STORE_PEPPER", "unit-test-store-pepper-0001")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_secret")
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yml")
	yml := `
server:
  port: 9090
heartbeat:
  interval: 1m
  auth_cache_ttl: 30s
  offline_grace: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("KEYGATE_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)

	// env wins over file, file wins over default
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Heartbeat.Interval)
	assert.Equal(t, 2*time.Hour, cfg.Heartbeat.OfflineGrace)
}

func TestValidateGraceShorterThanCacheFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KEYGATE_HEARTBEAT_OFFLINE_GRACE", "1m")
	t.Setenv("KEYGATE_HEARTBEAT_AUTH_CACHE_TTL", "10m")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline_grace")
}

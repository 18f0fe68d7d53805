package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetGlobals() {
	mu.Lock()
	defer mu.Unlock()
	config = nil
	projectDir = ""
}

func TestLoadConfigCreatesDefaultWhenMissing(t *testing.T) {
	resetGlobals()
	dir := t.TempDir()

	err := LoadConfig(dir)
	require.NoError(t, err)

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, cfg.SchemaVersion)
	require.Equal(t, DefaultDBPath, cfg.DBPath)
	require.Equal(t, DefaultListenAddr, cfg.HTTP.ListenAddr)
	require.Equal(t, DefaultSchedulerWorkers, cfg.Scheduler.Workers)

	_, statErr := os.Stat(filepath.Join(dir, ConfigDir, ConfigFilename))
	require.NoError(t, statErr, "LoadConfig should persist the default config to disk")
}

func TestLoadConfigAppliesDefaultsToPartialFile(t *testing.T) {
	resetGlobals()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDir), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ConfigDir, ConfigFilename),
		[]byte(`{"schema_version":"1.0","db_path":"custom.db"}`),
		0o644,
	))

	err := LoadConfig(dir)
	require.NoError(t, err)

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.Equal(t, "custom.db", cfg.DBPath)
	require.Equal(t, DefaultListenAddr, cfg.HTTP.ListenAddr)
	require.Equal(t, DefaultSchedulerTick, cfg.Scheduler.TickInterval)
}

func TestLoadConfigRejectsUnparseableFile(t *testing.T) {
	resetGlobals()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDir), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ConfigDir, ConfigFilename),
		[]byte(`{not json`),
		0o644,
	))

	err := LoadConfig(dir)
	require.Error(t, err)
}

func TestGetConfigBeforeLoadFails(t *testing.T) {
	resetGlobals()
	_, err := GetConfig()
	require.Error(t, err)
}

func TestUpdateSchedulerPersistsAndValidates(t *testing.T) {
	resetGlobals()
	dir := t.TempDir()
	require.NoError(t, LoadConfig(dir))

	err := UpdateScheduler(&SchedulerConfig{TickInterval: DefaultSchedulerTick, Workers: 16})
	require.NoError(t, err)

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Scheduler.Workers)

	// Reload from disk to confirm persistence.
	resetGlobals()
	require.NoError(t, LoadConfig(dir))
	cfg, err = GetConfig()
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Scheduler.Workers)
}

func TestUpdateSchedulerRollsBackOnInvalidValue(t *testing.T) {
	resetGlobals()
	dir := t.TempDir()
	require.NoError(t, LoadConfig(dir))

	err := UpdateScheduler(&SchedulerConfig{TickInterval: 0, Workers: 4})
	require.Error(t, err)

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.Equal(t, DefaultSchedulerTick, cfg.Scheduler.TickInterval, "invalid update must not stick")
}

func TestUpdateMetricsPersistsEnabledWithURL(t *testing.T) {
	resetGlobals()
	dir := t.TempDir()
	require.NoError(t, LoadConfig(dir))

	// UpdateMetrics doesn't validate (mirrors UpdateProviders); it stores
	// the new metrics block as given.
	require.NoError(t, UpdateMetrics(&MetricsConfig{Enabled: true, PrometheusURL: "http://localhost:9090"}))

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "http://localhost:9090", cfg.Metrics.PrometheusURL)
}

func TestGetAPIKeyPrefersEnvOverSecret(t *testing.T) {
	decryptedSecretsMux.Lock()
	decryptedSecrets = map[string]string{EnvAnthropicAPIKey: "from-secret"}
	decryptedSecretsMux.Unlock()
	t.Cleanup(func() {
		decryptedSecretsMux.Lock()
		decryptedSecrets = nil
		decryptedSecretsMux.Unlock()
	})

	t.Setenv(EnvAnthropicAPIKey, "from-env")
	key, err := GetAPIKey(ProviderAnthropic)
	require.NoError(t, err)
	require.Equal(t, "from-env", key)
}

func TestGetAPIKeyFallsBackToSecret(t *testing.T) {
	decryptedSecretsMux.Lock()
	decryptedSecrets = map[string]string{EnvGroqAPIKey: "from-secret"}
	decryptedSecretsMux.Unlock()
	t.Cleanup(func() {
		decryptedSecretsMux.Lock()
		decryptedSecrets = nil
		decryptedSecretsMux.Unlock()
	})

	key, err := GetAPIKey(ProviderGroq)
	require.NoError(t, err)
	require.Equal(t, "from-secret", key)
}

func TestGetAPIKeyOllamaNeedsNone(t *testing.T) {
	key, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	require.Empty(t, key)
}

func TestGetAPIKeyUnknownProvider(t *testing.T) {
	_, err := GetAPIKey("bogus")
	require.Error(t, err)
}

func TestDBPathFromEnvPrecedence(t *testing.T) {
	t.Setenv(EnvDBPath, "")
	require.Equal(t, "configured.db", DBPathFromEnv(Config{DBPath: "configured.db"}))
	require.Equal(t, DefaultDBPath, DBPathFromEnv(Config{}))

	t.Setenv(EnvDBPath, "/tmp/env-override.db")
	require.Equal(t, "/tmp/env-override.db", DBPathFromEnv(Config{DBPath: "configured.db"}))
}

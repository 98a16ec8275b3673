package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"UPSTREAM_STREAM_URL", "WAREHOUSE_URL", "WAREHOUSE_CREDENTIALS", "STORE_HOST", "STORE_USER",
		"STORE_PASSWORD", "SCHEDULE_BATCH_CRON", "SCHEDULE_AUDIT_CRON",
		"STALENESS_THRESHOLD_SECONDS", "GAP_GRACE_SECONDS", "HEARTBEAT_URL",
		"ALERT_URL", "ALERT_TOKEN", "HEALTH_ADDR", "LOG_LEVEL", "LOG_FILE",
	} {
		require.NoError(t, os.Unsetenv(name))
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_STREAM_URL", "wss://example.invalid/ws?key=abc")
	t.Setenv("WAREHOUSE_URL", "https://warehouse.example.invalid")
	t.Setenv("WAREHOUSE_CREDENTIALS", "  svc-creds  ")
	t.Setenv("STORE_HOST", "store.example.invalid")
	t.Setenv("STORE_USER", "ingest")
	t.Setenv("STORE_PASSWORD", " hunter2 ")
}

func TestLoadFailsFastOnMissingRequired(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAppliesDefaultsAndTrimsSecrets(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0 * * * *", cfg.ScheduleBatchCron)
	require.Equal(t, "0 */3 * * *", cfg.ScheduleAuditCron)
	require.Equal(t, 960, cfg.StalenessThresholdSeconds)
	require.Equal(t, 1800, cfg.GapGraceSeconds)
	require.Equal(t, "svc-creds", cfg.WarehouseCredentials)
	require.Equal(t, "hunter2", cfg.StorePassword)
}

func TestLoadRejectsAlertURLWithoutToken(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("ALERT_URL", "https://alerts.example.invalid/webhook")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAppliesFileDefaultsUnderEnvOverride(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	dir := t.TempDir()
	path := dir + "/defaults.toml"
	require.NoError(t, os.WriteFile(path, []byte(`
ScheduleBatchCron = "15 * * * *"
StalenessThresholdSeconds = 500
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "15 * * * *", cfg.ScheduleBatchCron)
	require.Equal(t, 500, cfg.StalenessThresholdSeconds)
}

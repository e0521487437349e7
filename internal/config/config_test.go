package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingDefaultFileFallsBack(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	path := writeFile(t, `
database_path: /var/lib/library/lib.db
listen_addr: 127.0.0.1:9090
log_level: debug
daily_fine_cents: 50
reminder_window: 24h
overdue_sweep_interval: 15m
`)
	t.Setenv("LIBRARY_DAILY_FINE_CENTS", "75")
	t.Setenv("LIBRARY_SESSION_TTL", "2h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/library/lib.db", cfg.DatabasePath)
	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(75), cfg.DailyFineCents)
	assert.Equal(t, 24*time.Hour, cfg.ReminderWindow)
	assert.Equal(t, 15*time.Minute, cfg.OverdueSweepInterval)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.LoanPeriod)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"log level":   "log_level: loud\n",
		"bcrypt cost": "bcrypt_cost: 2\n",
		"short key":   "session_hash_key: tooshort\n",
		"block key":   "session_block_key: abc\n",
		"bad yaml":    "database_path: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestBadEnvDuration(t *testing.T) {
	t.Setenv("LIBRARY_LOAN_PERIOD", "two weeks")
	_, err := Load(writeFile(t, "log_level: info\n"))
	assert.ErrorContains(t, err, "LIBRARY_LOAN_PERIOD")
}

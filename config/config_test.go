package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnvRequiresDatabaseURL(t *testing.T) {
	t.Setenv("TINYLVT_DATABASE_URL", "")
	_, err := FromEnv()
	require.Error(t, err, "expected error when TINYLVT_DATABASE_URL is unset")
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("TINYLVT_DATABASE_URL", "postgres://localhost/tinylvt")
	cfg, err := FromEnv()
	require.NoError(t, err, "FromEnv")
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "points_allocation", cfg.DefaultCurrency)
	require.EqualValues(t, 1, cfg.SchedulerTick().Seconds(), "SchedulerTick")
}

func TestFromEnvRejectsUnknownCurrencyMode(t *testing.T) {
	t.Setenv("TINYLVT_DATABASE_URL", "postgres://localhost/tinylvt")
	t.Setenv("TINYLVT_DEFAULT_CURRENCY_MODE", "bogus")
	_, err := FromEnv()
	require.Error(t, err, "expected error for unknown currency mode")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tinylvt.toml")
	content := "DatabaseURL = \"postgres://localhost/tinylvt\"\nDefaultCurrencyMode = \"distributed_clearing\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "write config file")

	cfg, err := FromFile(path)
	require.NoError(t, err, "FromFile")
	require.Equal(t, "distributed_clearing", cfg.DefaultCurrency)
	require.Equal(t, ":9090", cfg.MetricsAddress)
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err, "expected error for missing config file")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadFile writes body to a temp config.yaml and loads it through --config.
func loadFile(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", path))
	return Load(cmd)
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Empty(t, cfg.Server.Host)
	assert.Equal(t, DefaultSandboxMaxAppIndex, cfg.Sandbox.MaxAppIndex)
	assert.Equal(t, DefaultAgingEndRatio, cfg.Aging.EndRatio)
	assert.Equal(t, DefaultAgingSchedule, cfg.Aging.Schedule)
	assert.Equal(t, DefaultStoreLockMaxRetry, cfg.Store.LockMaxRetry)
	assert.EqualValues(t, DefaultStoreEventRotateMaxBytes, cfg.Store.EventRotateMaxBytes)
	assert.Equal(t, DefaultDaemonPreflightTimeout, cfg.Daemon.PreflightTimeout)
	assert.Equal(t, []int{DefaultUserID}, cfg.Users.IDs)

	data := filepath.Join(home, ".bms", "data")
	assert.Equal(t, data, cfg.Store.DataPath)
	assert.Equal(t, filepath.Join(data, "app"), cfg.Installd.RootPath)
	assert.Equal(t, filepath.Join(data, "usage.db"), cfg.Usage.DBPath)

	require.Len(t, cfg.Aging.Handlers, 4)
	assert.Equal(t, "UNUSED_FOR_30_DAYS_BUNDLE_AGING_HANDLER", cfg.Aging.Handlers[0].Name)
	assert.False(t, cfg.Aging.Handlers[0].EagerThresholdCheck)
	assert.True(t, cfg.Aging.Handlers[2].EagerThresholdCheck)
	assert.Equal(t, AgingHandlerKindDataSize, cfg.Aging.Handlers[3].Kind)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadFile(t, `
server:
  port: 9090
sandbox:
  max_app_index: 5
aging:
  total_data_bytes_threshold: 200MiB
  handlers:
    - name: stale
      unused_for: 7d
    - name: big
      kind: data_size
      min_data_bytes: 10MB
      eager_threshold_check: true
`)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Sandbox.MaxAppIndex)
	assert.Equal(t, "200MiB", cfg.Aging.TotalDataBytesThreshold)
	require.Len(t, cfg.Aging.Handlers, 2)
	assert.Equal(t, AgingHandlerKindUnused, cfg.Aging.Handlers[0].Kind, "kind defaults to unused")
	assert.Equal(t, AgingHandlerKindDataSize, cfg.Aging.Handlers[1].Kind)
	assert.True(t, cfg.Aging.Handlers[1].EagerThresholdCheck)
}

func TestLoadMissingConfigFile(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")))
	_, err := Load(cmd)
	assert.Error(t, err)
}

func TestLoadExpandsPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg, err := loadFile(t, `
store:
  data_path: ~/bms-state
installd:
  root_path: ~/apps
`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bms-state"), cfg.Store.DataPath)
	assert.Equal(t, filepath.Join(home, "apps"), cfg.Installd.RootPath)
	assert.Equal(t, filepath.Join(home, "bms-state", "usage.db"), cfg.Usage.DBPath)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BMS_SERVER_PORT", "9191")
	t.Setenv("BMS_AGING_END_RATIO", "0.5")
	t.Setenv("BMS_STORE_LOCK_TIMEOUT", "5s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 0.5, cfg.Aging.EndRatio)
	assert.Equal(t, "5s", cfg.Store.LockTimeout)
}

func TestDurationOrDefault(t *testing.T) {
	cases := []struct {
		value, fallback string
		want            time.Duration
		wantErr         bool
	}{
		{"", "30s", 30 * time.Second, false},
		{" 2m ", "30s", 2 * time.Minute, false},
		{"30d", "", 30 * 24 * time.Hour, false},
		{"-1d", "", 0, true},
		{"", "", 0, true},
		{"soon", "", 0, true},
	}
	for _, c := range cases {
		got, err := DurationOrDefault(c.value, c.fallback)
		if c.wantErr {
			assert.Error(t, err, "%q", c.value)
			continue
		}
		require.NoError(t, err, "%q", c.value)
		assert.Equal(t, c.want, got, "%q", c.value)
	}
}

func TestByteSizeOrDefault(t *testing.T) {
	n, err := ByteSizeOrDefault("1GiB", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1<<30, n)

	n, err = ByteSizeOrDefault("", "4096")
	require.NoError(t, err)
	assert.EqualValues(t, 4096, n)

	_, err = ByteSizeOrDefault("lots", "")
	assert.Error(t, err)
	_, err = ByteSizeOrDefault(" ", "")
	assert.ErrorContains(t, err, "empty byte size")
}

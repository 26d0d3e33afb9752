package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/bms/internal/config"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitCmd(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	require.NoError(t, configInitCmd.RunE(&cobra.Command{}, nil))

	configPath := filepath.Join(tmpDir, ".bms", "config.yaml")
	written, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(written), "total_data_bytes_threshold")

	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0o644))
	out, err := runCLI(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
	kept, _ := os.ReadFile(configPath)
	assert.Contains(t, string(kept), "9999")

	out, err = runCLI(t, "config", "init", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	replaced, _ := os.ReadFile(configPath)
	assert.Contains(t, string(replaced), "total_data_bytes_threshold")
}

func TestEmbeddedConfigLoads(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, embeddedDefaultConfig, 0644))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	require.NoError(t, cmd.Flags().Set("config", configPath))

	loaded, err := config.Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultServerPort, loaded.Server.Port)
	assert.Equal(t, filepath.Join(tmpDir, ".bms", "data"), loaded.Store.DataPath)
	assert.Equal(t, filepath.Join(tmpDir, ".bms", "data", "app"), loaded.Installd.RootPath)
	assert.Equal(t, []int{config.DefaultUserID}, loaded.Users.IDs)
	require.Len(t, loaded.Aging.Handlers, 4)
	assert.Equal(t, "30d", loaded.Aging.Handlers[0].UnusedFor)
	assert.Equal(t, config.AgingHandlerKindDataSize, loaded.Aging.Handlers[3].Kind)
}

func TestConfigViewCmd(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	out, err := runCLI(t, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "server:")
	assert.Contains(t, out, "aging:")
}

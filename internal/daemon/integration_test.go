package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/daemon"
	"github.com/harunnryd/bms/internal/daemon/components"
	"github.com/harunnryd/bms/internal/service"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func integrationConfig(t *testing.T, agingEnabled bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{Port: freePort(t), ShutdownTimeout: "2s"},
		Store:    config.StoreConfig{DataPath: filepath.Join(dir, "data")},
		Installd: config.InstalldConfig{RootPath: "/data/app"},
		Users:    config.UsersConfig{IDs: []int{100}},
		Usage:    config.UsageConfig{DBPath: filepath.Join(dir, "usage.db")},
		Aging: config.AgingConfig{
			Enabled:                 agingEnabled,
			Schedule:                "@every 1h",
			TotalDataBytesThreshold: "1GiB",
			EndRatio:                0.5,
		},
	}
}

// buildDaemon registers the components in the order cmd/bms uses.
func buildDaemon(t *testing.T, cfg *config.Config, fs afero.Fs) *daemon.Daemon {
	t.Helper()
	d, err := daemon.NewDaemon(cfg)
	require.NoError(t, err)

	storeComp := components.NewStoreWorkerComponent(&cfg.Store)
	svcComp := components.NewServiceComponent(cfg, storeComp, service.WithFs(fs))
	d.AddComponent(storeComp)
	d.AddComponent(svcComp)
	d.AddComponent(components.NewAgingSchedulerComponent(&cfg.Aging, svcComp))
	d.AddComponent(components.NewHTTPServerComponent(d, &cfg.Server, svcComp))
	return d
}

func startDaemon(t *testing.T, d *daemon.Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	startDone := make(chan error, 1)
	go func() {
		startDone <- d.Start(ctx)
	}()
	require.Eventually(t, func() bool {
		return d.Health() == daemon.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)
	return cancel, startDone
}

func waitStopped(t *testing.T, d *daemon.Daemon, startDone <-chan error) {
	t.Helper()
	select {
	case err := <-startDone:
		if err != nil {
			assert.True(t,
				strings.Contains(err.Error(), "context canceled") || strings.Contains(err.Error(), "shutdown cancelled"),
				"unexpected start error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down within timeout")
	}
	require.Eventually(t, func() bool {
		return d.Health() == daemon.StatusStopped
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDaemonFullLifecycle(t *testing.T) {
	cfg := integrationConfig(t, true)
	d := buildDaemon(t, cfg, afero.NewMemMapFs())
	cancel, startDone := startDaemon(t, d)
	defer cancel()

	healths := d.ComponentHealth()
	assert.Len(t, healths, 4)
	for name, h := range healths {
		assert.True(t, h.Healthy, "component %s unhealthy: %v", name, h.Error)
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(base + "/health")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "running", body["daemon"])

	manifest := `{"name":"com.example.notes","version_code":1,"modules":[{"name":"entry"}]}`
	installResp, err := http.Post(base+"/bundles", "application/json", strings.NewReader(manifest))
	require.NoError(t, err)
	installResp.Body.Close()
	assert.Equal(t, http.StatusCreated, installResp.StatusCode)

	sandboxResp, err := http.Post(base+"/sandbox", "application/json",
		strings.NewReader(`{"bundle_name":"com.example.notes","dlp_type":1}`))
	require.NoError(t, err)
	defer sandboxResp.Body.Close()
	assert.Equal(t, http.StatusCreated, sandboxResp.StatusCode)

	cancel()
	waitStopped(t, d, startDone)
}

func TestDaemonAgingDisabled(t *testing.T) {
	cfg := integrationConfig(t, false)
	d := buildDaemon(t, cfg, afero.NewMemMapFs())
	cancel, startDone := startDaemon(t, d)
	defer cancel()

	h, ok := d.ComponentHealth()["AgingScheduler"]
	require.True(t, ok)
	assert.True(t, h.Healthy)

	cancel()
	waitStopped(t, d, startDone)
}

func TestDaemonRestartKeepsState(t *testing.T) {
	cfg := integrationConfig(t, false)

	fs := afero.NewMemMapFs()
	d := buildDaemon(t, cfg, fs)
	cancel, startDone := startDaemon(t, d)
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/bundles", "application/json",
		strings.NewReader(`{"name":"com.example.notes","version_code":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cancel()
	waitStopped(t, d, startDone)

	cfg.Server.Port = freePort(t)
	d = buildDaemon(t, cfg, fs)
	cancel, startDone = startDaemon(t, d)
	defer cancel()
	base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)

	var listResp *http.Response
	require.Eventually(t, func() bool {
		listResp, err = http.Get(base + "/bundles")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	defer listResp.Body.Close()

	var infos []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "com.example.notes", infos[0]["name"])

	cancel()
	waitStopped(t, d, startDone)
}

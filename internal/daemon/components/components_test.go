package components

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/installer"
	"github.com/harunnryd/bms/internal/service"
	"github.com/harunnryd/bms/internal/store"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: "1s"},
		Store:    config.StoreConfig{DataPath: filepath.Join(t.TempDir(), "data"), LockTimeout: "100ms", LockRetry: "10ms"},
		Installd: config.InstalldConfig{RootPath: "/data/app"},
		Users:    config.UsersConfig{IDs: []int{bundle.DefaultUserID}},
		Aging:    config.AgingConfig{Schedule: "@every 1h", TotalDataBytesThreshold: "1GiB", EndRatio: 0.5},
	}
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "not initialized", phaseNew.String())
	assert.Equal(t, "not started", phaseReady.String())
	assert.Equal(t, "stopped", phaseStopped.String())
	assert.NoError(t, phaseRunning.running())
	assert.EqualError(t, phaseReady.running(), "not started")
}

func TestHTTPServerDependencies(t *testing.T) {
	comp := NewHTTPServerComponent(nil, &config.ServerConfig{Port: 8080}, nil)
	assert.Equal(t, []string{"Service", "AgingScheduler"}, comp.Dependencies())

	custom := []string{"Service"}
	comp = NewHTTPServerComponentWithDependencies(nil, &config.ServerConfig{Port: 8080}, nil, custom)
	custom[0] = "Mutated"
	deps := comp.Dependencies()
	require.Equal(t, []string{"Service"}, deps)
	deps[0] = "MutatedAgain"
	assert.Equal(t, "Service", comp.Dependencies()[0])
}

func TestComponentsRefuseToInitOutOfOrder(t *testing.T) {
	ctx := t.Context()
	cfg := testConfig(t)
	cfg.Aging.Enabled = true

	storeComp := NewStoreWorkerComponent(&cfg.Store)
	svcComp := NewServiceComponent(cfg, storeComp)
	assert.Error(t, svcComp.Init(ctx))
	assert.Error(t, NewAgingSchedulerComponent(&cfg.Aging, svcComp).Init(ctx))

	httpComp := NewHTTPServerComponent(nil, &cfg.Server, nil)
	assert.Error(t, httpComp.Init(ctx))
	assert.Error(t, httpComp.Start(ctx))
	h, err := httpComp.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.EqualError(t, h.Error, "not initialized")
}

func TestHTTPServerRejectsBadTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ReadTimeout = "fast"
	comp := NewHTTPServerComponent(nil, &cfg.Server, nil)
	_, err := comp.serverTimeouts()
	assert.ErrorContains(t, err, "server.read_timeout")
}

func TestStoreComponentDetectsHeldDataDir(t *testing.T) {
	cfg := testConfig(t)
	ctx := t.Context()

	first := NewStoreWorkerComponent(&cfg.Store)
	require.NoError(t, first.Init(ctx))
	defer first.Stop(ctx)

	second := NewStoreWorkerComponent(&cfg.Store)
	err := second.Init(ctx)
	require.ErrorIs(t, err, store.ErrLocked)
	assert.Nil(t, second.GetWorker())

	// Initialized but never started still releases the lock.
	require.NoError(t, first.Stop(ctx))
	require.NoError(t, second.Init(ctx))
	require.NoError(t, second.Stop(ctx))
}

func TestServiceRestoresStateDuringInit(t *testing.T) {
	ctx := t.Context()
	cfg := testConfig(t)
	fs := afero.NewMemMapFs()

	initBoth := func() (*StoreWorkerComponent, *ServiceComponent) {
		storeComp := NewStoreWorkerComponent(&cfg.Store)
		svcComp := NewServiceComponent(cfg, storeComp, service.WithFs(fs))
		require.NoError(t, storeComp.Init(ctx))

		done := make(chan error, 1)
		go func() { done <- svcComp.Init(ctx) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("service init blocked on the store before Start")
		}
		return storeComp, svcComp
	}

	storeComp, svcComp := initBoth()
	_, err := svcComp.GetService().InstallBundle(ctx,
		&bundle.Manifest{Name: "com.example.notes", VersionCode: 1}, installer.InstallParam{UserID: bundle.DefaultUserID})
	require.NoError(t, err)
	require.NoError(t, svcComp.Stop(ctx))
	require.NoError(t, storeComp.Stop(ctx))

	storeComp, svcComp = initBoth()
	defer storeComp.Stop(ctx)
	defer svcComp.Stop(ctx)
	assert.Len(t, svcComp.GetService().ListBundles(bundle.AllUserID), 1)
}

func TestComponentChainLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	cfg := testConfig(t)

	storeComp := NewStoreWorkerComponent(&cfg.Store)
	svcComp := NewServiceComponent(cfg, storeComp, service.WithFs(afero.NewMemMapFs()))
	agingComp := NewAgingSchedulerComponent(&cfg.Aging, svcComp)
	httpComp := NewHTTPServerComponent(nil, &cfg.Server, svcComp)

	chain := []interface {
		Init(context.Context) error
		Start(context.Context) error
		Stop(context.Context) error
	}{storeComp, svcComp, agingComp, httpComp}
	for _, c := range chain {
		require.NoError(t, c.Init(ctx))
	}
	for _, c := range chain {
		require.NoError(t, c.Start(ctx))
	}

	sh, _ := storeComp.Health(ctx)
	assert.True(t, sh.Healthy, "%v", sh.Error)
	vh, _ := svcComp.Health(ctx)
	assert.True(t, vh.Healthy, "%v", vh.Error)
	ah, _ := agingComp.Health(ctx)
	assert.True(t, ah.Healthy, "disabled aging is healthy")
	assert.Nil(t, agingComp.GetScheduler())
	hh, _ := httpComp.Health(ctx)
	assert.True(t, hh.Healthy, "%v", hh.Error)

	// A second server on the same address fails at Start, not later.
	httpComp.mu.RLock()
	addr := httpComp.addr
	httpComp.mu.RUnlock()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	clash := NewHTTPServerComponent(nil, &config.ServerConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}, svcComp)
	require.NoError(t, clash.Init(ctx))
	assert.ErrorContains(t, clash.Start(ctx), "listen on")
	assert.Equal(t, "127.0.0.1:0", addr)

	for i := len(chain) - 1; i >= 0; i-- {
		require.NoError(t, chain[i].Stop(ctx))
	}
	assert.Nil(t, svcComp.GetService())
	hh, _ = httpComp.Health(ctx)
	assert.False(t, hh.Healthy)
	sh, _ = storeComp.Health(ctx)
	assert.EqualError(t, sh.Error, "stopped")
}

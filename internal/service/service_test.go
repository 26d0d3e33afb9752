package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installer"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notes = "com.example.notes"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store:    config.StoreConfig{DataPath: filepath.Join(dir, "data")},
		Installd: config.InstalldConfig{RootPath: "/data/app"},
		Users:    config.UsersConfig{IDs: []int{bundle.DefaultUserID, 101}},
		Usage:    config.UsageConfig{DBPath: filepath.Join(dir, "usage.db")},
		Aging: config.AgingConfig{
			TotalDataBytesThreshold: "1KiB",
			EndRatio:                0.5,
			Cooldown:                "1m",
			Handlers: []config.AgingHandlerConfig{
				{Name: "size", Kind: config.AgingHandlerKindDataSize, EagerThresholdCheck: true},
			},
		},
	}
}

func newContext(t *testing.T, cfg *config.Config, fs afero.Fs) *Context {
	t.Helper()
	c, err := New(cfg, WithFs(fs))
	require.NoError(t, err)
	return c
}

func manifest(name string) *bundle.Manifest {
	return &bundle.Manifest{Name: name, VersionCode: 1, Modules: []bundle.HapModuleInfo{{Name: "entry"}}}
}

func TestServiceLifecycle(t *testing.T) {
	cfg := testConfig(t)
	fs := afero.NewMemMapFs()
	c := newContext(t, cfg, fs)
	defer c.Close()
	ctx := context.Background()

	info, err := c.InstallBundle(ctx, manifest(notes), installer.InstallParam{UserID: bundle.DefaultUserID})
	require.NoError(t, err)
	uid := info.UserInfos[bundle.DefaultUserID].UID

	idx, err := c.InstallSandboxApp(ctx, notes, bundle.DLPType1, bundle.DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	bi, err := c.GetSandboxAppBundleInfo(notes, idx, bundle.DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, notes, bi.Name)
	assert.Equal(t, 1, bi.AppIndex)

	_, err = c.GetSandboxAppBundleInfo(notes, idx, bundle.AllUserID)
	assert.Equal(t, bmsErrors.ErrSandboxInstallParamError, bmsErrors.ErrCodeOf(err), "ALL_USERID is never a valid sandbox query user")

	byUID, err := c.GetInnerBundleInfoByUID(uid)
	require.NoError(t, err)
	assert.Equal(t, notes, byUID.BundleName)
	byUID, err = c.GetInnerBundleInfoByUID(bi.UID)
	require.NoError(t, err)
	assert.Equal(t, 1, byUID.AppIndex)

	assert.Len(t, c.ListBundles(bundle.AllUserID), 1)
	assert.Empty(t, c.ListBundles(101))
	assert.Len(t, c.ListSandboxApps(bundle.DefaultUserID), 1)

	runID, err := c.MarkRunning(ctx, notes, bundle.DefaultUserID)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	require.Len(t, c.Processes(), 1)
	stopped, err := c.MarkStopped(ctx, notes, bundle.DefaultUserID)
	require.NoError(t, err)
	assert.True(t, stopped)

	_, err = c.MarkRunning(ctx, notes, 101)
	assert.Equal(t, bmsErrors.ErrUserNotInstallHap, bmsErrors.ErrCodeOf(err))

	require.NoError(t, c.UninstallBundle(ctx, notes, installer.InstallParam{UserID: bundle.DefaultUserID}))
	assert.Empty(t, c.ListBundles(bundle.AllUserID))
	assert.Empty(t, c.ListSandboxApps(bundle.AllUserID))

	err = c.UninstallBundle(ctx, notes, installer.InstallParam{UserID: bundle.DefaultUserID})
	assert.Equal(t, bmsErrors.ErrUninstallMissingInstalledBundle, bmsErrors.ErrCodeOf(err))

	events, err := c.Events(0)
	require.NoError(t, err)
	var types []bundle.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, bundle.EventInstall)
	assert.Contains(t, types, bundle.EventSandboxInstall)
	assert.Contains(t, types, bundle.EventSandboxUninstall)
	assert.Contains(t, types, bundle.EventUninstall)
}

func TestServiceRestoresStateAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	c := newContext(t, cfg, fs)
	_, err := c.InstallBundle(ctx, manifest(notes), installer.InstallParam{UserID: bundle.DefaultUserID})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = c.InstallSandboxApp(ctx, notes, bundle.DLPType2, bundle.DefaultUserID)
		require.NoError(t, err)
	}
	require.NoError(t, c.UninstallSandboxApp(ctx, notes, 1, bundle.DefaultUserID))
	require.NoError(t, c.Close())

	c = newContext(t, cfg, fs)
	defer c.Close()
	assert.Len(t, c.ListBundles(bundle.AllUserID), 1)
	apps := c.ListSandboxApps(bundle.AllUserID)
	require.Len(t, apps, 1)
	assert.Equal(t, 2, apps[0].AppIndex)

	idx, err := c.InstallSandboxApp(ctx, notes, bundle.DLPType1, bundle.DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "freed index is reused after restart")
}

func TestServiceRunAging(t *testing.T) {
	cfg := testConfig(t)
	fs := afero.NewMemMapFs()
	c := newContext(t, cfg, fs)
	defer c.Close()
	ctx := context.Background()

	_, err := c.InstallBundle(ctx, manifest(notes), installer.InstallParam{UserID: bundle.DefaultUserID})
	require.NoError(t, err)
	_, err = c.InstallBundle(ctx, manifest("com.example.small"), installer.InstallParam{UserID: bundle.DefaultUserID})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/data/app/el1/100/base/com.example.notes/files/blob", make([]byte, 4096), 0o640))
	require.NoError(t, afero.WriteFile(fs, "/data/app/el1/100/base/com.example.small/files/blob", make([]byte, 100), 0o640))

	plan, err := c.PlanAging(ctx)
	require.NoError(t, err)
	assert.True(t, plan.StartReached)
	assert.Equal(t, int64(4196), plan.TotalDataBytes)

	report, err := c.RunAging(ctx, "test")
	require.NoError(t, err)
	require.True(t, report.Ran)
	require.Len(t, report.Evicted, 1)
	assert.Equal(t, notes, report.Evicted[0].BundleName)
	assert.Equal(t, int64(100), report.BytesAfter)

	bundles := c.ListBundles(bundle.AllUserID)
	require.Len(t, bundles, 1)
	assert.Equal(t, "com.example.small", bundles[0].Name)

	again, err := c.RunAging(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, aging.ReasonBelowThreshold, again.Reason)
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, bmsErrors.ErrInvalidInput)
}

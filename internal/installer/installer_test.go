package installer

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/datamgr"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installd"
	"github.com/harunnryd/bms/internal/process"
	"github.com/harunnryd/bms/internal/sandbox"
	"github.com/harunnryd/bms/internal/usage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	notes   = "com.example.notes"
	gallery = "com.example.gallery"
	user    = bundle.DefaultUserID
)

type env struct {
	data      *datamgr.DataMgr
	dirs      *installd.Installd
	sandboxes *sandbox.DataMgr
	sbox      *sandbox.Installer
	tracker   *process.Tracker
	stats     *usage.Stats
	inst      *Installer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	data, err := datamgr.New(nil, []int{user, 101})
	require.NoError(t, err)
	dirs := installd.New(afero.NewMemMapFs(), "/data/app")
	sandboxes, err := sandbox.NewDataMgr(data, 0, nil)
	require.NoError(t, err)
	sbox := sandbox.NewInstaller(data, sandbox.NewHelper(sandboxes), dirs, nil)
	tracker := process.NewTracker()
	stats, err := usage.Open(usage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { stats.Close() })

	return &env{
		data:      data,
		dirs:      dirs,
		sandboxes: sandboxes,
		sbox:      sbox,
		tracker:   tracker,
		stats:     stats,
		inst: New(data, dirs,
			WithSandboxCleaner(sbox),
			WithKiller(tracker),
			WithUsage(stats),
		),
	}
}

func manifest(name string, version int) *bundle.Manifest {
	return &bundle.Manifest{
		Name:        name,
		VersionCode: version,
		Modules:     []bundle.HapModuleInfo{{Name: "entry"}},
	}
}

func codeOf(err error) bmsErrors.ErrCode {
	return bmsErrors.ErrCodeOf(err)
}

func TestInstallNewBundle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	info, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)
	assert.True(t, info.HasInnerBundleUserInfo(user))
	assert.True(t, e.dirs.DirExists("/data/app/el1/100/base/com.example.notes/files"))

	state, ok := e.data.GetBundleInstallState(notes)
	require.True(t, ok)
	assert.Equal(t, bundle.InstallSuccess, state)

	_, err = e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	assert.Equal(t, bmsErrors.ErrInstallAlreadyExist, codeOf(err))

	_, err = e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: 300})
	assert.Equal(t, bmsErrors.ErrUserNotExist, codeOf(err))

	_, err = e.inst.Install(ctx, &bundle.Manifest{}, InstallParam{UserID: user})
	assert.Equal(t, bmsErrors.ErrInstallParamError, codeOf(err))
}

func TestInstallForSecondUserKeepsUID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)
	second, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: 101})
	require.NoError(t, err)

	assert.Equal(t, []int{100, 101}, second.UserIDs())
	assert.Equal(t, first.UserInfos[user].UID+bundle.BaseUserRange, second.UserInfos[101].UID)
}

func TestUpdateDropsSandboxApps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)
	_, err = e.sbox.InstallSandboxApp(ctx, notes, bundle.DLPType1, user)
	require.NoError(t, err)

	info, err := e.inst.Install(ctx, manifest(notes, 2), InstallParam{UserID: user, InstallFlag: InstallFlagReplaceExisting})
	require.NoError(t, err)
	assert.Equal(t, 2, info.VersionCode)
	assert.True(t, info.HasInnerBundleUserInfo(user))
	assert.Empty(t, e.sandboxes.ListByBundle(notes))

	state, _ := e.data.GetBundleInstallState(notes)
	assert.Equal(t, bundle.InstallSuccess, state)
}

func TestUninstallCascadesToSandboxApps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)
	_, err = e.inst.Install(ctx, manifest(gallery, 1), InstallParam{UserID: user})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = e.sbox.InstallSandboxApp(ctx, notes, bundle.DLPType1, user)
		require.NoError(t, err)
	}
	_, err = e.sbox.InstallSandboxApp(ctx, gallery, bundle.DLPType2, user)
	require.NoError(t, err)
	require.NoError(t, e.stats.RecordLaunch(ctx, notes, user))

	rr := NewResultReceiver()
	require.NoError(t, e.inst.Uninstall(ctx, notes, InstallParam{UserID: user}, rr))
	res, err := rr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, bmsErrors.ErrOK, res.Code)
	assert.NoError(t, res.Err())

	_, ok := e.data.FetchInnerBundleInfo(notes)
	assert.False(t, ok)
	assert.Empty(t, e.sandboxes.ListByBundle(notes))
	assert.Len(t, e.sandboxes.ListByBundle(gallery), 1)
	assert.False(t, e.dirs.DirExists("/data/app/el1/100/base/com.example.notes"))
	assert.False(t, e.dirs.DirExists("/data/app/el1/100/base/com.example.notes_1"))
	assert.True(t, e.dirs.DirExists("/data/app/el1/100/base/com.example.gallery_1"))

	n, err := e.stats.LaunchCount(ctx, notes, user)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUninstallErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sys := manifest("com.example.system", 1)
	sys.System = true
	_, err := e.inst.Install(ctx, sys, InstallParam{UserID: user})
	require.NoError(t, err)
	_, err = e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)

	cases := []struct {
		name   string
		bundle string
		param  InstallParam
		want   bmsErrors.ErrCode
	}{
		{"empty name", "", InstallParam{UserID: user}, bmsErrors.ErrUninstallInvalidName},
		{"unknown user", notes, InstallParam{UserID: 300}, bmsErrors.ErrUserNotExist},
		{"missing bundle", gallery, InstallParam{UserID: user}, bmsErrors.ErrUninstallMissingInstalledBundle},
		{"not installed for user", notes, InstallParam{UserID: 101}, bmsErrors.ErrUserNotInstallHap},
		{"system app", "com.example.system", InstallParam{UserID: user}, bmsErrors.ErrUninstallSystemApp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := NewResultReceiver()
			err := e.inst.Uninstall(ctx, tc.bundle, tc.param, rr)
			assert.Equal(t, tc.want, codeOf(err))
			res, waitErr := rr.Wait(ctx)
			require.NoError(t, waitErr)
			assert.Equal(t, tc.want, res.Code)
		})
	}

	require.NoError(t, e.inst.Uninstall(ctx, "com.example.system", InstallParam{UserID: user, ForceExecuted: true}, nil))
}

func TestUninstallWithoutDataManager(t *testing.T) {
	inst := New(nil, nil)
	err := inst.Uninstall(context.Background(), notes, InstallParam{UserID: user}, nil)
	assert.Equal(t, bmsErrors.ErrUninstallBundleMgrServiceError, codeOf(err))
}

func TestUninstallOneOfTwoUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)
	_, err = e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: 101})
	require.NoError(t, err)

	require.NoError(t, e.inst.Uninstall(ctx, notes, InstallParam{UserID: 101}, nil))
	info, ok := e.data.GetInnerBundleInfo(notes)
	require.True(t, ok)
	assert.Equal(t, []int{100}, info.UserIDs())
	assert.False(t, e.dirs.DirExists("/data/app/el1/101/base/com.example.notes"))
	assert.True(t, e.dirs.DirExists("/data/app/el1/100/base/com.example.notes"))
}

func TestUninstallKillsRunningProcessUnlessAging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	info, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)
	uid := info.UserInfos[user].UID
	e.tracker.MarkRunning(notes, uid)

	require.NoError(t, e.inst.Uninstall(ctx, notes, InstallParam{UserID: user}, nil))
	state, err := e.tracker.IsRunning(ctx, notes, uid)
	require.NoError(t, err)
	assert.Equal(t, process.NotRunning, state)
}

type failingKiller struct{}

func (failingKiller) Kill(context.Context, string, int) error { return errors.New("still alive") }

func TestUninstallKillFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)

	e.inst.killer = failingKiller{}
	err = e.inst.Uninstall(ctx, notes, InstallParam{UserID: user}, nil)
	assert.Equal(t, bmsErrors.ErrUninstallKillingApp, codeOf(err))

	require.NoError(t, e.inst.Uninstall(ctx, notes, InstallParam{UserID: user, IsAgingUninstall: true}, nil),
		"aging uninstall never kills")
}

func TestUninstallKeepData(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.inst.Install(ctx, manifest(notes, 1), InstallParam{UserID: user})
	require.NoError(t, err)

	require.NoError(t, e.inst.Uninstall(ctx, notes, InstallParam{UserID: user, IsKeepData: true}, nil))
	assert.True(t, e.dirs.DirExists("/data/app/el1/100/base/com.example.notes"))
}

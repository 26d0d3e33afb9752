package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/bms/internal/bundle"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installd"
	"github.com/harunnryd/bms/internal/logger"
)

// BundleStore is the slice of the bundle data manager the sandbox installer
// needs. *datamgr.DataMgr implements it.
type BundleStore interface {
	HasUserID(userID int) bool
	GetInnerBundleInfo(name string) (*bundle.InnerBundleInfo, bool)
	GenerateUID(key string, userID int) (int, error)
	RecycleUID(key string)
	GetBundleMutex(name string) *sync.Mutex
}

// Installer creates and removes sandbox copies of installed bundles.
type Installer struct {
	bundles BundleStore
	helper  *Helper
	dirs    installd.Client
	events  bundle.EventSink
	now     func() time.Time
}

// NewInstaller wires the installer. A nil bundles or dirs is reported as an
// internal error by every operation.
func NewInstaller(bundles BundleStore, helper *Helper, dirs installd.Client, events bundle.EventSink) *Installer {
	if events == nil {
		events = bundle.NopEventSink{}
	}
	return &Installer{
		bundles: bundles,
		helper:  helper,
		dirs:    dirs,
		events:  events,
		now:     time.Now,
	}
}

func (i *Installer) maxIndex() int {
	if mgr, err := i.helper.DataMgr(); err == nil {
		return mgr.MaxAppIndex()
	}
	return bundle.MaxAppIndex
}

// InstallSandboxApp installs a new sandbox copy of bundleName for userID and
// returns its app index.
func (i *Installer) InstallSandboxApp(ctx context.Context, bundleName string, dlpType, userID int) (int, error) {
	if bundleName == "" {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError, "empty bundle name")
	}
	if !bundle.IsValidDLPType(dlpType) {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError, fmt.Sprintf("unsupported dlp type %d", dlpType))
	}
	if userID < bundle.DefaultUserID {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError, fmt.Sprintf("user id %d below %d", userID, bundle.DefaultUserID))
	}
	if i.bundles == nil || i.dirs == nil {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallInternalError, "bundle data manager unavailable")
	}

	ctx = logger.WithBundle(ctx, bundleName)
	log := logger.FromContext(ctx)

	mu := i.bundles.GetBundleMutex(bundleName)
	mu.Lock()
	defer mu.Unlock()

	if !i.bundles.HasUserID(userID) {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallUserNotExist, fmt.Sprintf("user %d does not exist", userID))
	}
	origin, ok := i.bundles.GetInnerBundleInfo(bundleName)
	if !ok {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallAppNotExisted, fmt.Sprintf("bundle %s is not installed", bundleName))
	}
	if !origin.HasInnerBundleUserInfo(userID) {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallUserNotExist,
			fmt.Sprintf("bundle %s is not installed for user %d", bundleName, userID))
	}

	appIndex := i.helper.GenerateSandboxAppIndex(bundleName)
	if appIndex == bundle.InitialAppIndex {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallInternalError, "no sandbox app index available")
	}

	key := bundle.SandboxKey(bundleName, appIndex)
	var (
		uid       = bundle.InvalidUID
		dirsMade  bool
		committed bool
	)
	defer func() {
		if committed {
			return
		}
		log.Warn("Rolling back sandbox install", "app_index", appIndex)
		if dirsMade {
			if err := i.dirs.RemoveBundleDataDir(context.WithoutCancel(ctx), key, userID); err != nil {
				log.Error("Failed to remove sandbox data dir during rollback", "key", key, "error", err)
			}
		}
		if uid != bundle.InvalidUID {
			i.bundles.RecycleUID(key)
		}
		i.helper.DeleteSandboxAppIndex(bundleName, appIndex)
	}()

	uid, err := i.bundles.GenerateUID(key, userID)
	if err != nil {
		uid = bundle.InvalidUID
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallInternalError, fmt.Sprintf("generate uid for %s: %v", key, err))
	}

	if err := i.dirs.CreateBundleDataDir(ctx, key, userID); err != nil {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallInternalError, fmt.Sprintf("create data dir for %s: %v", key, err))
	}
	dirsMade = true

	now := i.now()
	info := origin.Clone()
	info.AppIndex = appIndex
	info.DLPType = dlpType
	info.InstallTime = now
	info.UserInfos = nil
	info.AddInnerBundleUserInfo(bundle.InnerBundleUserInfo{UserID: userID, UID: uid, InstallTime: now})

	mgr, err := i.helper.DataMgr()
	if err != nil {
		return 0, err
	}
	if err := mgr.SaveSandboxAppInfo(info, appIndex); err != nil {
		return 0, bmsErrors.Code(bmsErrors.ErrSandboxInstallInternalError, fmt.Sprintf("save %s: %v", key, err))
	}
	committed = true

	ev := bundle.NewEvent(bundle.EventSandboxInstall, bundleName, userID)
	ev.AppIndex = appIndex
	ev.UID = uid
	i.emit(ctx, ev)

	log.Info("Sandbox app installed", "app_index", appIndex, "dlp_type", dlpType, "user_id", userID, "uid", uid)
	return appIndex, nil
}

// UninstallSandboxApp removes one sandbox copy owned by userID.
func (i *Installer) UninstallSandboxApp(ctx context.Context, bundleName string, appIndex, userID int) error {
	if bundleName == "" {
		return bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError, "empty bundle name")
	}
	if appIndex <= bundle.InitialAppIndex || appIndex > i.maxIndex() {
		return bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError, fmt.Sprintf("app index %d out of range", appIndex))
	}
	if userID < bundle.DefaultUserID {
		return bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError, fmt.Sprintf("user id %d below %d", userID, bundle.DefaultUserID))
	}
	mgr, err := i.helper.DataMgr()
	if err != nil || i.bundles == nil || i.dirs == nil {
		return bmsErrors.Code(bmsErrors.ErrInstallInternalError, "sandbox managers unavailable")
	}

	ctx = logger.WithBundle(ctx, bundleName)

	mu := i.bundles.GetBundleMutex(bundleName)
	mu.Lock()
	defer mu.Unlock()

	info, ok := mgr.lookup(bundleName, appIndex)
	if !ok {
		return bmsErrors.Code(bmsErrors.ErrSandboxInstallNoSandboxAppInfo,
			fmt.Sprintf("no sandbox app %s", bundle.SandboxKey(bundleName, appIndex)))
	}
	if !info.HasInnerBundleUserInfo(userID) {
		return bmsErrors.Code(bmsErrors.ErrSandboxInstallUserNotExist,
			fmt.Sprintf("sandbox app %s is not owned by user %d", info.Key(), userID))
	}
	return i.remove(ctx, mgr, info, userID)
}

// UninstallAllSandboxApps removes every sandbox copy of bundleName owned by
// userID, or by anyone when userID is AllUserID. Having none is not an error.
func (i *Installer) UninstallAllSandboxApps(ctx context.Context, bundleName string, userID int) error {
	if bundleName == "" {
		return bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError, "empty bundle name")
	}
	mgr, err := i.helper.DataMgr()
	if err != nil || i.bundles == nil || i.dirs == nil {
		return bmsErrors.Code(bmsErrors.ErrInstallInternalError, "sandbox managers unavailable")
	}

	ctx = logger.WithBundle(ctx, bundleName)
	log := logger.FromContext(ctx)

	mu := i.bundles.GetBundleMutex(bundleName)
	mu.Lock()
	defer mu.Unlock()

	var removed int
	for _, info := range mgr.ListByBundle(bundleName) {
		for _, owner := range info.UserIDs() {
			if userID != bundle.AllUserID && owner != userID {
				continue
			}
			if err := i.remove(ctx, mgr, info, owner); err != nil {
				log.Error("Failed to uninstall sandbox app", "app_index", info.AppIndex, "user_id", owner, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Info("Sandbox apps uninstalled", "count", removed, "user_id", userID)
	}
	return nil
}

func (i *Installer) remove(ctx context.Context, mgr *DataMgr, info *bundle.InnerBundleInfo, userID int) error {
	log := logger.FromContext(ctx)
	key := info.Key()

	if err := i.dirs.RemoveBundleDataDir(ctx, key, userID); err != nil {
		return bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("remove data dir of %s: %v", key, err))
	}
	if err := mgr.DeleteSandboxAppInfo(info.BundleName, info.AppIndex); err != nil {
		log.Error("Failed to persist sandbox record removal", "key", key, "error", err)
	}
	if !mgr.DeleteSandboxAppIndex(info.BundleName, info.AppIndex) {
		log.Warn("Sandbox app index was not allocated", "app_index", info.AppIndex)
	}
	i.bundles.RecycleUID(key)

	ev := bundle.NewEvent(bundle.EventSandboxUninstall, info.BundleName, userID)
	ev.AppIndex = info.AppIndex
	if u, ok := info.GetInnerBundleUserInfo(userID); ok {
		ev.UID = u.UID
	}
	i.emit(ctx, ev)

	log.Info("Sandbox app uninstalled", "app_index", info.AppIndex, "user_id", userID)
	return nil
}

func (i *Installer) emit(ctx context.Context, ev bundle.Event) {
	if err := i.events.AppendEvent(ev); err != nil {
		logger.FromContext(ctx).Warn("Failed to journal bundle event", "type", ev.Type, "error", err)
	}
}

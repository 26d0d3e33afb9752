package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/datamgr"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installd"
	"github.com/harunnryd/bms/internal/logger"
	"github.com/harunnryd/bms/internal/process"
)

type InstallFlag int

const (
	InstallFlagNormal InstallFlag = iota
	InstallFlagReplaceExisting
)

// InstallParam carries the caller's options for install and uninstall.
type InstallParam struct {
	UserID           int
	InstallFlag      InstallFlag
	IsAgingUninstall bool
	IsKeepData       bool
	ForceExecuted    bool
}

// SandboxCleaner removes sandbox copies before their original goes away.
type SandboxCleaner interface {
	UninstallAllSandboxApps(ctx context.Context, bundleName string, userID int) error
}

// UsageForgetter drops launch history of removed bundles.
type UsageForgetter interface {
	Forget(ctx context.Context, bundleName string) (int64, error)
}

// Installer installs bundles from manifests and uninstalls them.
type Installer struct {
	data    *datamgr.DataMgr
	dirs    installd.Client
	sandbox SandboxCleaner
	killer  process.Killer
	usage   UsageForgetter
	events  bundle.EventSink
	now     func() time.Time
}

type Option func(*Installer)

func WithSandboxCleaner(c SandboxCleaner) Option {
	return func(i *Installer) { i.sandbox = c }
}

func WithKiller(k process.Killer) Option {
	return func(i *Installer) { i.killer = k }
}

func WithUsage(u UsageForgetter) Option {
	return func(i *Installer) { i.usage = u }
}

func WithEvents(sink bundle.EventSink) Option {
	return func(i *Installer) {
		if sink != nil {
			i.events = sink
		}
	}
}

func New(data *datamgr.DataMgr, dirs installd.Client, opts ...Option) *Installer {
	i := &Installer{
		data:   data,
		dirs:   dirs,
		events: bundle.NopEventSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install installs m for param.UserID. A bundle already installed for that
// user is only replaced with InstallFlagReplaceExisting; replacing drops all
// of its sandbox copies first.
func (i *Installer) Install(ctx context.Context, m *bundle.Manifest, param InstallParam) (*bundle.InnerBundleInfo, error) {
	if m == nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallParamError, "nil manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallParamError, err.Error())
	}
	if i.data == nil || i.dirs == nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, "bundle data manager unavailable")
	}
	if param.UserID < bundle.DefaultUserID {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallParamError, fmt.Sprintf("user id %d below %d", param.UserID, bundle.DefaultUserID))
	}
	if !i.data.HasUserID(param.UserID) {
		return nil, bmsErrors.Code(bmsErrors.ErrUserNotExist, fmt.Sprintf("user %d does not exist", param.UserID))
	}

	ctx = logger.WithBundle(ctx, m.Name)

	if existing, ok := i.data.GetInnerBundleInfo(m.Name); ok && existing.HasInnerBundleUserInfo(param.UserID) {
		if param.InstallFlag != InstallFlagReplaceExisting {
			return nil, bmsErrors.Code(bmsErrors.ErrInstallAlreadyExist,
				fmt.Sprintf("bundle %s already installed for user %d", m.Name, param.UserID))
		}
		i.cleanSandboxes(ctx, m.Name, bundle.AllUserID)
	}

	mu := i.data.GetBundleMutex(m.Name)
	mu.Lock()
	defer mu.Unlock()

	existing, ok := i.data.FetchInnerBundleInfo(m.Name)
	if !ok {
		return i.installNew(ctx, m, param)
	}
	if state, _ := i.data.GetBundleInstallState(m.Name); state.IsDisableState() || state == bundle.InstallStart {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallStateError, fmt.Sprintf("bundle %s is %s", m.Name, state))
	}
	if existing.HasInnerBundleUserInfo(param.UserID) {
		if param.InstallFlag != InstallFlagReplaceExisting {
			return nil, bmsErrors.Code(bmsErrors.ErrInstallAlreadyExist,
				fmt.Sprintf("bundle %s already installed for user %d", m.Name, param.UserID))
		}
		return i.update(ctx, m, existing, param)
	}
	return i.addUser(ctx, m, existing, param)
}

func (i *Installer) installNew(ctx context.Context, m *bundle.Manifest, param InstallParam) (*bundle.InnerBundleInfo, error) {
	log := logger.FromContext(ctx)
	if !i.data.UpdateBundleInstallState(m.Name, bundle.InstallStart) {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallStateError, fmt.Sprintf("cannot start install of %s", m.Name))
	}

	var (
		uidMade   bool
		dirsMade  bool
		committed bool
	)
	defer func() {
		if committed {
			return
		}
		log.Warn("Rolling back install")
		if dirsMade {
			if err := i.dirs.RemoveBundleDataDir(context.WithoutCancel(ctx), m.Name, param.UserID); err != nil {
				log.Error("Failed to remove data dir during rollback", "error", err)
			}
		}
		if uidMade {
			i.data.RecycleUID(m.Name)
		}
		i.data.UpdateBundleInstallState(m.Name, bundle.InstallFail)
	}()

	now := i.now()
	info := m.ToInnerBundleInfo(now)

	uid, err := i.data.GenerateUID(m.Name, param.UserID)
	if err != nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("generate uid: %v", err))
	}
	uidMade = true

	if err := i.dirs.CreateBundleDataDir(ctx, m.Name, param.UserID); err != nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("create data dir: %v", err))
	}
	dirsMade = true

	info.AddInnerBundleUserInfo(bundle.InnerBundleUserInfo{UserID: param.UserID, UID: uid, InstallTime: now})
	if err := i.data.SaveInnerBundleInfo(info); err != nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("save bundle: %v", err))
	}
	if !i.data.UpdateBundleInstallState(m.Name, bundle.InstallSuccess) {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallStateError, "cannot finish install")
	}
	committed = true

	ev := bundle.NewEvent(bundle.EventInstall, m.Name, param.UserID)
	ev.UID = uid
	i.emit(ctx, ev)
	log.Info("Bundle installed", "version_code", m.VersionCode, "user_id", param.UserID, "uid", uid)
	return info.Clone(), nil
}

// addUser installs an existing bundle for one more user. The manifest's
// metadata replaces the shared record.
func (i *Installer) addUser(ctx context.Context, m *bundle.Manifest, existing *bundle.InnerBundleInfo, param InstallParam) (*bundle.InnerBundleInfo, error) {
	log := logger.FromContext(ctx)

	uid, err := i.data.GenerateUID(m.Name, param.UserID)
	if err != nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("generate uid: %v", err))
	}
	if err := i.dirs.CreateBundleDataDir(ctx, m.Name, param.UserID); err != nil {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("create data dir: %v", err))
	}

	now := i.now()
	info := applyManifest(existing, m)
	info.AddInnerBundleUserInfo(bundle.InnerBundleUserInfo{UserID: param.UserID, UID: uid, InstallTime: now})
	if err := i.data.SaveInnerBundleInfo(info); err != nil {
		if rmErr := i.dirs.RemoveBundleDataDir(context.WithoutCancel(ctx), m.Name, param.UserID); rmErr != nil {
			log.Error("Failed to remove data dir during rollback", "error", rmErr)
		}
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("save bundle: %v", err))
	}

	ev := bundle.NewEvent(bundle.EventInstall, m.Name, param.UserID)
	ev.UID = uid
	i.emit(ctx, ev)
	log.Info("Bundle installed for additional user", "user_id", param.UserID, "uid", uid)
	return info.Clone(), nil
}

func (i *Installer) update(ctx context.Context, m *bundle.Manifest, existing *bundle.InnerBundleInfo, param InstallParam) (*bundle.InnerBundleInfo, error) {
	log := logger.FromContext(ctx)
	if !i.data.UpdateBundleInstallState(m.Name, bundle.UpdatingStart) {
		return nil, bmsErrors.Code(bmsErrors.ErrInstallStateError, fmt.Sprintf("cannot start update of %s", m.Name))
	}

	info := applyManifest(existing, m)
	if err := i.data.SaveInnerBundleInfo(info); err != nil {
		i.data.UpdateBundleInstallState(m.Name, bundle.UpdatingFail)
		i.data.UpdateBundleInstallState(m.Name, bundle.InstallSuccess)
		return nil, bmsErrors.Code(bmsErrors.ErrInstallInternalError, fmt.Sprintf("save bundle: %v", err))
	}
	i.data.UpdateBundleInstallState(m.Name, bundle.UpdatingSuccess)
	i.data.UpdateBundleInstallState(m.Name, bundle.InstallSuccess)

	ev := bundle.NewEvent(bundle.EventUpdate, m.Name, param.UserID)
	ev.Message = fmt.Sprintf("version %d -> %d", existing.VersionCode, m.VersionCode)
	i.emit(ctx, ev)
	log.Info("Bundle updated", "from_version", existing.VersionCode, "to_version", m.VersionCode)
	return info.Clone(), nil
}

func applyManifest(existing *bundle.InnerBundleInfo, m *bundle.Manifest) *bundle.InnerBundleInfo {
	fresh := m.ToInnerBundleInfo(existing.InstallTime)
	fresh.UserInfos = existing.Clone().UserInfos
	return fresh
}

// Uninstall removes bundleName for param.UserID. The bundle's sandbox copies
// for that user go first. receiver, when set, is told the result exactly once.
func (i *Installer) Uninstall(ctx context.Context, bundleName string, param InstallParam, receiver StatusReceiver) (err error) {
	defer func() {
		if receiver == nil {
			return
		}
		code := bmsErrors.ErrCodeOf(err)
		msg := code.String()
		if err != nil {
			msg = err.Error()
		}
		receiver.OnFinished(code, msg)
	}()

	ctx = logger.WithBundle(ctx, bundleName)
	if bundleName != "" {
		i.cleanSandboxes(ctx, bundleName, param.UserID)
	}

	if bundleName == "" {
		return bmsErrors.Code(bmsErrors.ErrUninstallInvalidName, "empty bundle name")
	}
	if i.data == nil || i.dirs == nil {
		return bmsErrors.Code(bmsErrors.ErrUninstallBundleMgrServiceError, "bundle data manager unavailable")
	}
	if !i.data.HasUserID(param.UserID) {
		return bmsErrors.Code(bmsErrors.ErrUserNotExist, fmt.Sprintf("user %d does not exist", param.UserID))
	}

	mu := i.data.GetBundleMutex(bundleName)
	mu.Lock()
	defer mu.Unlock()

	info, ok := i.data.GetInnerBundleInfo(bundleName)
	if !ok {
		return bmsErrors.Code(bmsErrors.ErrUninstallMissingInstalledBundle, fmt.Sprintf("bundle %s is not installed", bundleName))
	}
	userInfo, ok := info.GetInnerBundleUserInfo(param.UserID)
	if !ok {
		return bmsErrors.Code(bmsErrors.ErrUserNotInstallHap,
			fmt.Sprintf("bundle %s is not installed for user %d", bundleName, param.UserID))
	}
	if info.IsSystemApp && !info.Removable && !param.ForceExecuted {
		return bmsErrors.Code(bmsErrors.ErrUninstallSystemApp, fmt.Sprintf("%s is a non-removable system app", bundleName))
	}

	if !param.IsAgingUninstall && i.killer != nil {
		if err := i.killer.Kill(ctx, bundleName, userInfo.UID); err != nil {
			return bmsErrors.Code(bmsErrors.ErrUninstallKillingApp, fmt.Sprintf("kill %s: %v", bundleName, err))
		}
	}

	keepData := param.IsKeepData && !param.IsAgingUninstall
	if len(info.UserInfos) > 1 {
		err = i.removeUser(ctx, info, param.UserID, keepData)
	} else {
		err = i.removeBundle(ctx, info, param.UserID, keepData)
	}
	if err != nil {
		return err
	}

	ev := bundle.NewEvent(bundle.EventUninstall, bundleName, param.UserID)
	ev.UID = userInfo.UID
	ev.IsAgingUninstall = param.IsAgingUninstall
	i.emit(ctx, ev)
	logger.FromContext(ctx).Info("Bundle uninstalled", "user_id", param.UserID, "aging", param.IsAgingUninstall, "keep_data", keepData)
	return nil
}

func (i *Installer) removeUser(ctx context.Context, info *bundle.InnerBundleInfo, userID int, keepData bool) error {
	if !keepData {
		if err := i.dirs.RemoveBundleDataDir(ctx, info.BundleName, userID); err != nil {
			return bmsErrors.Code(bmsErrors.ErrUninstallBundleMgrServiceError, fmt.Sprintf("remove data dir: %v", err))
		}
	}
	info.RemoveInnerBundleUserInfo(userID)
	if err := i.data.SaveInnerBundleInfo(info); err != nil {
		return bmsErrors.Code(bmsErrors.ErrUninstallBundleMgrServiceError, fmt.Sprintf("save bundle: %v", err))
	}
	return nil
}

func (i *Installer) removeBundle(ctx context.Context, info *bundle.InnerBundleInfo, userID int, keepData bool) error {
	log := logger.FromContext(ctx)
	if !i.data.UpdateBundleInstallState(info.BundleName, bundle.UninstallStart) {
		return bmsErrors.Code(bmsErrors.ErrInstallStateError, fmt.Sprintf("cannot start uninstall of %s", info.BundleName))
	}

	finished := false
	defer func() {
		if !finished {
			log.Warn("Restoring bundle after failed uninstall")
			i.data.UpdateBundleInstallState(info.BundleName, bundle.InstallSuccess)
		}
	}()

	if !keepData {
		if err := i.dirs.RemoveBundleDataDir(ctx, info.BundleName, userID); err != nil {
			return bmsErrors.Code(bmsErrors.ErrUninstallBundleMgrServiceError, fmt.Sprintf("remove data dir: %v", err))
		}
	}
	if !i.data.UpdateBundleInstallState(info.BundleName, bundle.UninstallSuccess) {
		return bmsErrors.Code(bmsErrors.ErrInstallStateError, "cannot finish uninstall")
	}
	finished = true
	i.data.RecycleUID(info.BundleName)

	if i.usage != nil {
		if _, err := i.usage.Forget(ctx, info.BundleName); err != nil {
			log.Warn("Failed to forget usage statistics", "error", err)
		}
	}
	return nil
}

func (i *Installer) cleanSandboxes(ctx context.Context, bundleName string, userID int) {
	if i.sandbox == nil {
		return
	}
	if err := i.sandbox.UninstallAllSandboxApps(ctx, bundleName, userID); err != nil {
		logger.FromContext(ctx).Warn("Failed to uninstall sandbox apps", "user_id", userID, "error", err)
	}
}

func (i *Installer) emit(ctx context.Context, ev bundle.Event) {
	if err := i.events.AppendEvent(ev); err != nil {
		logger.FromContext(ctx).Warn("Failed to journal bundle event", "type", ev.Type, "error", err)
	}
}

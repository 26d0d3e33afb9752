package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/datamgr"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installd"
	"github.com/harunnryd/bms/internal/installer"
	"github.com/harunnryd/bms/internal/logger"
	"github.com/harunnryd/bms/internal/process"
	"github.com/harunnryd/bms/internal/sandbox"
	"github.com/harunnryd/bms/internal/store"
	"github.com/harunnryd/bms/internal/usage"
	"github.com/harunnryd/bms/internal/worker"

	"github.com/spf13/afero"
)

// Context owns every collaborator of the bundle manager. It is built once
// and passed explicitly to whoever needs it.
type Context struct {
	cfg *config.Config

	store      *store.Worker
	ownsStore  bool
	data       *datamgr.DataMgr
	sandboxes  *sandbox.DataMgr
	helper     *sandbox.Helper
	sandboxIns *sandbox.Installer
	dirs       *installd.Installd
	stats      *usage.Stats
	tracker    *process.Tracker
	checker    process.Checker
	installer  *installer.Installer
	aging      *aging.Manager
	runner     *worker.Lane
}

type options struct {
	store   *store.Worker
	fs      afero.Fs
	checker process.Checker
}

type Option func(*options)

// WithStore reuses a running store worker instead of opening the data
// directory again. The caller keeps ownership of it.
func WithStore(w *store.Worker) Option {
	return func(o *options) { o.store = w }
}

// WithFs roots installd on fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithChecker adds a liveness checker consulted next to the launch tracker.
func WithChecker(c process.Checker) Option {
	return func(o *options) { o.checker = c }
}

// New builds and starts a service context from cfg.
func New(cfg *config.Config, opts ...Option) (*Context, error) {
	if cfg == nil {
		return nil, bmsErrors.InvalidInput("config is nil")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Context{cfg: cfg, store: o.store}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	if c.store == nil {
		rt, err := store.RuntimeConfigFrom(cfg.Store)
		if err != nil {
			return nil, err
		}
		w, err := store.NewWorker(cfg.Store.DataPath, rt)
		if err != nil {
			return nil, fmt.Errorf("open data directory: %w", err)
		}
		w.Start()
		c.store = w
		c.ownsStore = true
	}

	users := cfg.Users.IDs
	if len(users) == 0 {
		users = []int{bundle.DefaultUserID}
	}
	data, err := datamgr.New(c.store, users)
	if err != nil {
		return nil, fmt.Errorf("restore bundles: %w", err)
	}
	c.data = data

	sandboxes, err := sandbox.NewDataMgr(data, cfg.Sandbox.MaxAppIndex, c.store)
	if err != nil {
		return nil, fmt.Errorf("restore sandbox apps: %w", err)
	}
	c.sandboxes = sandboxes
	c.helper = sandbox.NewHelper(sandboxes)

	dirOpts := []installd.Option{installd.WithDirMode(os.FileMode(cfg.Installd.DirMode))}
	if o.fs != nil {
		c.dirs = installd.New(o.fs, cfg.Installd.RootPath, dirOpts...)
	} else {
		c.dirs = installd.NewOS(cfg.Installd.RootPath, dirOpts...)
	}
	c.sandboxIns = sandbox.NewInstaller(data, c.helper, c.dirs, c.store)

	dbPath := cfg.Usage.DBPath
	if dbPath == "" {
		dbPath = usage.MemoryPath
	}
	stats, err := usage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	c.stats = stats

	c.tracker = process.NewTracker()
	checkers := process.MultiChecker{c.tracker}
	if o.checker != nil {
		checkers = append(checkers, o.checker)
	}
	if cmd := cfg.Aging.ProcessCheckCommand; cmd != "" {
		cc, err := process.NewCommandChecker(cmd)
		if err != nil {
			return nil, fmt.Errorf("process check command: %w", err)
		}
		checkers = append(checkers, cc)
	}
	c.checker = checkers

	c.installer = installer.New(data, c.dirs,
		installer.WithSandboxCleaner(c.sandboxIns),
		installer.WithKiller(c.tracker),
		installer.WithUsage(stats),
		installer.WithEvents(c.store),
	)

	mgr, err := aging.NewManager(cfg.Aging, aging.Deps{
		Bundles:     data,
		Stats:       c.dirs,
		Usage:       stats,
		Checker:     c.checker,
		Uninstaller: c.installer,
		Cooldowns:   c.store,
		Events:      c.store,
	})
	if err != nil {
		return nil, fmt.Errorf("configure aging: %w", err)
	}
	c.aging = mgr

	runner, err := worker.NewLane("bms", cfg.Runner)
	if err != nil {
		return nil, err
	}
	if err := runner.Start(context.Background()); err != nil {
		return nil, err
	}
	c.runner = runner

	ok = true
	slog.Info("Service context ready", "data_path", c.store.BasePath(), "installd_root", c.dirs.Root(),
		"users", data.GetUserIDs(), "bundles", len(data.GetAllBundles()), "sandbox_apps", len(sandboxes.List()))
	return c, nil
}

// Close stops the job runner and releases the usage database and, when this
// context opened it, the data directory.
func (c *Context) Close() error {
	var firstErr error
	if c.runner != nil {
		if err := c.runner.Stop(context.Background()); err != nil {
			firstErr = err
		}
	}
	if c.stats != nil {
		if err := c.stats.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.ownsStore && c.store != nil {
		c.store.Stop()
	}
	return firstErr
}

func (c *Context) Config() *config.Config         { return c.cfg }
func (c *Context) Store() *store.Worker           { return c.store }
func (c *Context) DataMgr() *datamgr.DataMgr      { return c.data }
func (c *Context) SandboxHelper() *sandbox.Helper { return c.helper }
func (c *Context) Aging() *aging.Manager          { return c.aging }
func (c *Context) Runner() *worker.Lane           { return c.runner }

// InstallBundle installs or updates the bundle described by m.
func (c *Context) InstallBundle(ctx context.Context, m *bundle.Manifest, param installer.InstallParam) (*bundle.InnerBundleInfo, error) {
	var info *bundle.InnerBundleInfo
	err := c.runner.Submit(ctx, "install", func(ctx context.Context) error {
		var err error
		info, err = c.installer.Install(ctx, m, param)
		return err
	})
	return info, err
}

// UninstallBundle removes name for param.UserID and returns the installer's
// result code as an error.
func (c *Context) UninstallBundle(ctx context.Context, name string, param installer.InstallParam) error {
	return c.runner.Submit(ctx, "uninstall", func(ctx context.Context) error {
		rr := installer.NewResultReceiver()
		if err := c.installer.Uninstall(ctx, name, param, rr); err != nil {
			return err
		}
		res, err := rr.Wait(ctx)
		if err != nil {
			return err
		}
		return res.Err()
	})
}

func (c *Context) InstallSandboxApp(ctx context.Context, name string, dlpType, userID int) (int, error) {
	var index int
	err := c.runner.Submit(ctx, "sandbox_install", func(ctx context.Context) error {
		var err error
		index, err = c.sandboxIns.InstallSandboxApp(ctx, name, dlpType, userID)
		return err
	})
	return index, err
}

func (c *Context) UninstallSandboxApp(ctx context.Context, name string, appIndex, userID int) error {
	return c.runner.Submit(ctx, "sandbox_uninstall", func(ctx context.Context) error {
		return c.sandboxIns.UninstallSandboxApp(ctx, name, appIndex, userID)
	})
}

func (c *Context) UninstallAllSandboxApps(ctx context.Context, name string, userID int) error {
	return c.runner.Submit(ctx, "sandbox_uninstall_all", func(ctx context.Context) error {
		return c.sandboxIns.UninstallAllSandboxApps(ctx, name, userID)
	})
}

func (c *Context) GetSandboxAppBundleInfo(name string, appIndex, userID int) (bundle.BundleInfo, error) {
	return c.helper.GetSandboxAppBundleInfo(name, appIndex, userID)
}

func (c *Context) GetSandboxHapModuleInfo(name, module string, appIndex, userID int) (bundle.HapModuleInfo, error) {
	return c.helper.GetSandboxHapModuleInfo(name, module, appIndex, userID)
}

// GetInnerBundleInfoByUID resolves uid against originals first, then
// sandbox apps.
func (c *Context) GetInnerBundleInfoByUID(uid int) (*bundle.InnerBundleInfo, error) {
	if info, err := c.data.GetInnerBundleInfoByUID(uid); err == nil {
		return info, nil
	}
	return c.helper.GetInnerBundleInfoByUID(uid)
}

// ListBundles returns one entry per installed original and user, or only
// userID's entries unless it is bundle.AllUserID.
func (c *Context) ListBundles(userID int) []bundle.BundleInfo {
	var out []bundle.BundleInfo
	for _, info := range c.data.GetAllBundles() {
		for _, id := range info.UserIDs() {
			if userID != bundle.AllUserID && id != userID {
				continue
			}
			if bi, ok := info.ToBundleInfo(id); ok {
				out = append(out, bi)
			}
		}
	}
	sortBundleInfos(out)
	return out
}

// ListSandboxApps returns every sandbox app, or only userID's unless it is
// bundle.AllUserID.
func (c *Context) ListSandboxApps(userID int) []bundle.BundleInfo {
	var out []bundle.BundleInfo
	for _, info := range c.helper.List() {
		for _, id := range info.UserIDs() {
			if userID != bundle.AllUserID && id != userID {
				continue
			}
			if bi, ok := info.ToBundleInfo(id); ok {
				out = append(out, bi)
			}
		}
	}
	sortBundleInfos(out)
	return out
}

func sortBundleInfos(infos []bundle.BundleInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		if infos[i].AppIndex != infos[j].AppIndex {
			return infos[i].AppIndex < infos[j].AppIndex
		}
		return infos[i].UserID < infos[j].UserID
	})
}

// RunAging runs one aging cycle on the job runner, so it never overlaps an
// install or uninstall.
func (c *Context) RunAging(ctx context.Context, trigger string) (*aging.Report, error) {
	var report *aging.Report
	err := c.runner.Submit(ctx, "aging", func(ctx context.Context) error {
		var err error
		report, err = c.aging.Start(ctx, trigger)
		return err
	})
	return report, err
}

func (c *Context) PlanAging(ctx context.Context) (*aging.Plan, error) {
	return c.aging.Plan(ctx)
}

func (c *Context) userInfo(name string, userID int) (bundle.InnerBundleUserInfo, error) {
	if name == "" {
		return bundle.InnerBundleUserInfo{}, bmsErrors.Code(bmsErrors.ErrInstallParamError, "empty bundle name")
	}
	if !c.data.HasUserID(userID) {
		return bundle.InnerBundleUserInfo{}, bmsErrors.Code(bmsErrors.ErrUserNotExist, fmt.Sprintf("user %d", userID))
	}
	info, ok := c.data.GetInnerBundleInfo(name)
	if !ok {
		return bundle.InnerBundleUserInfo{}, bmsErrors.Code(bmsErrors.ErrUninstallMissingInstalledBundle, name)
	}
	user, ok := info.GetInnerBundleUserInfo(userID)
	if !ok {
		return bundle.InnerBundleUserInfo{}, bmsErrors.Code(bmsErrors.ErrUserNotInstallHap, fmt.Sprintf("%s for user %d", name, userID))
	}
	return user, nil
}

// RecordLaunch stores a launch of name by userID for aging recency.
func (c *Context) RecordLaunch(ctx context.Context, name string, userID int) error {
	if _, err := c.userInfo(name, userID); err != nil {
		return err
	}
	return c.stats.RecordLaunch(ctx, name, userID)
}

// MarkRunning records a launch and tracks the process as alive until
// MarkStopped. It returns the run id.
func (c *Context) MarkRunning(ctx context.Context, name string, userID int) (string, error) {
	user, err := c.userInfo(name, userID)
	if err != nil {
		return "", err
	}
	if err := c.stats.RecordLaunch(ctx, name, userID); err != nil {
		return "", err
	}
	runID := c.tracker.MarkRunning(name, user.UID)
	logger.FromContext(logger.WithBundle(ctx, name)).Info("Bundle launched", "user_id", userID, "uid", user.UID, "run_id", runID)
	return runID, nil
}

// MarkStopped forgets a tracked process. It reports whether one was tracked.
func (c *Context) MarkStopped(ctx context.Context, name string, userID int) (bool, error) {
	user, err := c.userInfo(name, userID)
	if err != nil {
		return false, err
	}
	return c.tracker.MarkStopped(name, user.UID), nil
}

func (c *Context) Processes() []process.Launch {
	return c.tracker.List()
}

// Events returns the newest limit journal entries, all of them for limit 0.
func (c *Context) Events(limit int) ([]bundle.Event, error) {
	return c.store.ReadEvents(limit)
}

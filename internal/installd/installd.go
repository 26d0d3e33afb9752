package installd

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/pathutil"

	"github.com/spf13/afero"
)

// Encryption levels every bundle gets a data tree under.
var elDirs = []string{"el1", "el2"}

// Subdirectories created under each base/<key> directory.
var baseSubDirs = []string{"cache", "files", "haps", "preferences", "temp"}

// Client creates, removes and measures per-bundle data directories.
type Client interface {
	CreateBundleDataDir(ctx context.Context, key string, userID int) error
	RemoveBundleDataDir(ctx context.Context, key string, userID int) error
	GetBundleStats(ctx context.Context, key string, userID int) (int64, error)
}

// Installd is the afero backed Client.
type Installd struct {
	fs      afero.Fs
	root    string
	dirMode os.FileMode
}

type Option func(*Installd)

func WithDirMode(mode os.FileMode) Option {
	return func(i *Installd) {
		if mode != 0 {
			i.dirMode = mode
		}
	}
}

func New(fsys afero.Fs, root string, opts ...Option) *Installd {
	i := &Installd{
		fs:      fsys,
		root:    filepath.Clean(root),
		dirMode: config.DefaultInstalldDirMode,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewOS roots an Installd on the real filesystem.
func NewOS(root string, opts ...Option) *Installd {
	return New(afero.NewOsFs(), root, opts...)
}

func (i *Installd) Fs() afero.Fs {
	return i.fs
}

func (i *Installd) Root() string {
	return i.root
}

// BaseDir returns {root}/{el}/{userID}/base/{key}.
func (i *Installd) BaseDir(el string, userID int, key string) (string, error) {
	return pathutil.Within(i.root, el, strconv.Itoa(userID), "base", key)
}

// DatabaseDir returns {root}/{el}/{userID}/database/{key}.
func (i *Installd) DatabaseDir(el string, userID int, key string) (string, error) {
	return pathutil.Within(i.root, el, strconv.Itoa(userID), "database", key)
}

// DataDirs lists every top-level directory owned by key for userID.
func (i *Installd) DataDirs(key string, userID int) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("empty bundle key")
	}
	if userID < 0 {
		return nil, fmt.Errorf("invalid user id %d", userID)
	}
	dirs := make([]string, 0, 2*len(elDirs))
	for _, el := range elDirs {
		base, err := i.BaseDir(el, userID, key)
		if err != nil {
			return nil, err
		}
		db, err := i.DatabaseDir(el, userID, key)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, base, db)
	}
	return dirs, nil
}

func (i *Installd) CreateBundleDataDir(ctx context.Context, key string, userID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dirs, err := i.DataDirs(key, userID)
	if err != nil {
		return err
	}

	for _, el := range elDirs {
		base, err := i.BaseDir(el, userID, key)
		if err != nil {
			return err
		}
		for _, sub := range baseSubDirs {
			dirs = append(dirs, filepath.Join(base, sub))
		}
	}

	for _, dir := range dirs {
		if err := i.fs.MkdirAll(dir, i.dirMode); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	slog.Debug("Bundle data dirs created", "key", key, "user", userID)
	return nil
}

// RemoveBundleDataDir deletes every directory owned by key. Missing
// directories are not an error.
func (i *Installd) RemoveBundleDataDir(ctx context.Context, key string, userID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dirs, err := i.DataDirs(key, userID)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := i.fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	slog.Debug("Bundle data dirs removed", "key", key, "user", userID)
	return nil
}

// GetBundleStats sums the size of regular files under key's directories.
func (i *Installd) GetBundleStats(ctx context.Context, key string, userID int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dirs, err := i.DataDirs(key, userID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, dir := range dirs {
		err := afero.Walk(i.fs, dir, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.Mode().IsRegular() {
				total += info.Size()
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", dir, err)
		}
	}
	return total, nil
}

// DirExists reports whether path exists on the backing filesystem.
func (i *Installd) DirExists(path string) bool {
	ok, err := afero.DirExists(i.fs, path)
	return err == nil && ok
}

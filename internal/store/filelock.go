package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked reports that another bms process holds the data directory.
var ErrLocked = errors.New("data directory locked by another process")

// LockOptions bounds how long AcquireDirLock keeps polling.
type LockOptions struct {
	Timeout  time.Duration
	Retry    time.Duration
	MaxRetry int
}

// budget is the effective wait: the shorter of Timeout and Retry*MaxRetry.
func (o LockOptions) budget() time.Duration {
	b := o.Timeout
	if o.MaxRetry > 0 && o.Retry > 0 {
		if polled := o.Retry * time.Duration(o.MaxRetry); b <= 0 || polled < b {
			b = polled
		}
	}
	return b
}

// DirLock is an exclusive advisory lock on <dir>/bms.lock. At most one
// process writes a data directory at a time.
type DirLock struct {
	mu    sync.Mutex
	path  string
	fl    *flock.Flock
	since time.Time
}

// AcquireDirLock polls for the lock until it is granted, ctx ends, or the
// options' budget runs out. A lost race returns an error wrapping ErrLocked.
func AcquireDirLock(ctx context.Context, dir string, opts LockOptions) (*DirLock, error) {
	path := Layout{Base: dir}.Lock()
	fl := flock.New(path)

	waitCtx := ctx
	if b := opts.budget(); b > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b)
		defer cancel()
	}
	retry := opts.Retry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	ok, err := fl.TryLockContext(waitCtx, retry)
	switch {
	case ok:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("lock %s: %w", path, ctx.Err())
	case err == nil || errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s (waited %v)", ErrLocked, dir, opts.budget())
	default:
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	l := &DirLock{path: path, fl: fl, since: time.Now()}
	slog.Info("Data dir locked", "path", path)
	return l, nil
}

// Release drops the lock. Calling it twice is harmless.
func (l *DirLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fl == nil {
		return
	}
	if err := l.fl.Unlock(); err != nil {
		slog.Error("Data dir unlock failed", "path", l.path, "error", err)
	} else {
		slog.Info("Data dir unlocked", "path", l.path, "held", time.Since(l.since).Round(time.Millisecond))
	}
	l.fl = nil
}

// Held reports whether Release has not been called yet.
func (l *DirLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fl != nil
}

// Age is how long the lock has been held, or zero once released.
func (l *DirLock) Age() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fl == nil {
		return 0
	}
	return time.Since(l.since)
}

// CleanupStaleLocks deletes a lock file whose mtime is older than maxAge,
// but only when force is set; otherwise it just warns. flock locks die with
// their process, so the file left after a crash is harmless except for
// confusing operators.
func CleanupStaleLocks(dir string, maxAge time.Duration, force bool) error {
	path := Layout{Base: dir}.Lock()
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}
	if !force {
		slog.Warn("Stale lock file left in place", "path", path, "age", age.Round(time.Second))
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock %s: %w", path, err)
	}
	slog.Info("Stale lock file removed", "path", path, "age", age.Round(time.Second))
	return nil
}

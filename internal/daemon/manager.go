package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/bms/internal/concurrency"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/store"
)

// timeouts are the daemon durations, parsed once when the daemon is built.
type timeouts struct {
	shutdown        time.Duration
	startupShutdown time.Duration
	preflight       time.Duration
	staleLockTTL    time.Duration
	healthInterval  time.Duration
}

func parseTimeouts(cfg config.DaemonConfig) (timeouts, error) {
	var t timeouts
	fields := []struct {
		dst  *time.Duration
		raw  string
		def  string
		name string
	}{
		{&t.shutdown, cfg.ShutdownTimeout, config.DefaultDaemonShutdownTimeout, "shutdown_timeout"},
		{&t.startupShutdown, cfg.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout, "startup_shutdown_timeout"},
		{&t.preflight, cfg.PreflightTimeout, config.DefaultDaemonPreflightTimeout, "preflight_timeout"},
		{&t.staleLockTTL, cfg.StaleLockTTL, config.DefaultDaemonStaleLockTTL, "stale_lock_ttl"},
		{&t.healthInterval, cfg.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval, "health_check_interval"},
	}
	for _, f := range fields {
		d, err := config.DurationOrDefault(f.raw, f.def)
		if err != nil {
			return timeouts{}, fmt.Errorf("daemon.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return t, nil
}

// Daemon owns the data directory for the lifetime of the bms process and
// drives its components.
type Daemon struct {
	cfg      *config.Config
	dataPath string
	timeouts timeouts

	mu           sync.RWMutex
	registry     map[string]Component
	registered   []string
	status       HealthStatus
	createdAt    time.Time
	forceCleanup bool
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	dataPath, err := store.ResolveDataPath(cfg.Store.DataPath)
	if err != nil {
		return nil, fmt.Errorf("resolve data path: %w", err)
	}
	t, err := parseTimeouts(cfg.Daemon)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:       cfg,
		dataPath:  dataPath,
		timeouts:  t,
		registry:  make(map[string]Component),
		status:    StatusStarting,
		createdAt: time.Now(),
	}, nil
}

// AddComponent registers comp. A later registration with the same name
// replaces the earlier one.
func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := comp.Name()
	if _, dup := d.registry[name]; !dup {
		d.registered = append(d.registered, name)
	}
	d.registry[name] = comp
	slog.Debug("Component registered", "component", name, "total_components", len(d.registered))
}

// Start runs the daemon until ctx is cancelled or the process receives
// SIGINT/SIGTERM, then shuts every started component down. It returns the
// context error after a signal or cancellation.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("bms daemon starting", "data_path", d.dataPath, "port", d.cfg.Server.Port)

	if err := d.validateConfig(); err != nil {
		d.setStatus(StatusStopped)
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := d.preflight(ctx); err != nil {
		d.setStatus(StatusStopped)
		return fmt.Errorf("preflight failed: %w", err)
	}

	order, err := d.plan()
	if err != nil {
		d.setStatus(StatusStopped)
		return fmt.Errorf("component plan failed: %w", err)
	}

	initialized, err := d.initAll(ctx, order)
	if err != nil {
		d.stopWithin(initialized, d.timeouts.startupShutdown)
		return fmt.Errorf("component initialization failed: %w", err)
	}
	if err := d.startAll(ctx, order); err != nil {
		d.stopWithin(order, d.timeouts.startupShutdown)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setStatus(StatusRunning)
	slog.Info("bms daemon is running", "data_path", d.dataPath, "components", len(order))

	d.watchHealth(ctx)

	slog.Info("Shutting down bms daemon", "data_path", d.dataPath, "reason", ctx.Err())
	if err := d.stopWithin(order, d.timeouts.shutdown); err != nil {
		return err
	}
	return ctx.Err()
}

// DataPath is the resolved data directory the daemon guards.
func (d *Daemon) DataPath() string {
	return d.dataPath
}

// Uptime is the time since the daemon was created.
func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.createdAt)
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

// Component returns the registered component called name, or nil.
func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registry[name]
}

// ComponentHealth probes every registered component. A probe error marks
// the component unhealthy.
func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	comps := d.snapshot()
	result := make(map[string]*ComponentHealth, len(comps))
	for _, comp := range comps {
		h, err := comp.Health(context.Background())
		if h == nil {
			h = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			h.Healthy = false
			h.Error = err
		}
		if h.CheckedAt.IsZero() {
			h.CheckedAt = time.Now()
		}
		result[comp.Name()] = h
	}
	return result
}

func (d *Daemon) snapshot() []Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	comps := make([]Component, 0, len(d.registered))
	for _, name := range d.registered {
		comps = append(comps, d.registry[name])
	}
	return comps
}

func (d *Daemon) setStatus(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *Daemon) validateConfig() error {
	if port := d.cfg.Server.Port; port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	if len(d.cfg.Users.IDs) == 0 {
		return fmt.Errorf("at least one user id must be configured")
	}
	for _, id := range d.cfg.Users.IDs {
		if id < 0 {
			return fmt.Errorf("invalid user id: %d", id)
		}
	}
	if r := d.cfg.Aging.EndRatio; r < 0 || r > 1 {
		return fmt.Errorf("invalid aging end ratio: %v (must be within 0-1)", r)
	}
	if err := os.MkdirAll(d.dataPath, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// preflight clears lock files left by a crashed daemon. A failed cleanup is
// only logged; the store lock itself decides whether startup can proceed.
func (d *Daemon) preflight(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, d.timeouts.preflight)
	defer cancel()

	d.mu.RLock()
	force := d.forceCleanup
	d.mu.RUnlock()

	if err := store.CleanupStaleLocks(d.dataPath, d.timeouts.staleLockTTL, force); err != nil {
		slog.Warn("Failed to cleanup stale locks", "data_path", d.dataPath, "error", err)
	}
	if err := checkCtx.Err(); err != nil {
		return fmt.Errorf("preflight cancelled: %w", err)
	}
	return nil
}

// plan orders the components so that every dependency comes before its
// dependents. Ties keep registration order.
func (d *Daemon) plan() ([]Component, error) {
	comps := d.snapshot()

	pending := make(map[string]int, len(comps))
	dependents := make(map[string][]string)
	for _, comp := range comps {
		pending[comp.Name()] = 0
	}
	for _, comp := range comps {
		for _, dep := range comp.Dependencies() {
			if _, ok := pending[dep]; !ok {
				return nil, fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
			pending[comp.Name()]++
			dependents[dep] = append(dependents[dep], comp.Name())
		}
	}

	order := make([]Component, 0, len(comps))
	placed := make(map[string]bool, len(comps))
	for len(order) < len(comps) {
		progressed := false
		for _, comp := range comps {
			name := comp.Name()
			if placed[name] || pending[name] > 0 {
				continue
			}
			placed[name] = true
			order = append(order, comp)
			for _, next := range dependents[name] {
				pending[next]--
			}
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, comp := range comps {
				if !placed[comp.Name()] {
					stuck = append(stuck, comp.Name())
				}
			}
			return nil, fmt.Errorf("circular dependency among %v", stuck)
		}
	}
	return order, nil
}

// initAll initializes comps in order and returns the ones that succeeded.
func (d *Daemon) initAll(ctx context.Context, comps []Component) ([]Component, error) {
	done := make([]Component, 0, len(comps))
	for _, comp := range comps {
		err := concurrency.SafeCall(func() error { return comp.Init(ctx) })
		if err != nil {
			slog.Error("Component initialization failed", "component", comp.Name(), "error", err)
			return done, fmt.Errorf("component %s init failed: %w", comp.Name(), err)
		}
		slog.Debug("Component initialized", "component", comp.Name())
		done = append(done, comp)
	}
	return done, nil
}

func (d *Daemon) startAll(ctx context.Context, comps []Component) error {
	for _, comp := range comps {
		err := concurrency.SafeCall(func() error { return comp.Start(ctx) })
		if err != nil {
			slog.Error("Component startup failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
		slog.Info("Component started", "component", comp.Name())
	}
	return nil
}

// stopAll stops comps in reverse order. Every component gets a Stop call even
// when an earlier one fails; the failures are joined.
func (d *Daemon) stopAll(ctx context.Context, comps []Component) error {
	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		comp := comps[i]
		err := concurrency.SafeCall(func() error { return comp.Stop(ctx) })
		if err != nil {
			slog.Error("Component stop failed", "component", comp.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), err))
			continue
		}
		slog.Debug("Component stopped", "component", comp.Name())
	}
	return errors.Join(errs...)
}

// stopWithin runs stopAll under a fresh timeout. Stop errors are logged, a
// missed deadline is returned.
func (d *Daemon) stopWithin(comps []Component, timeout time.Duration) error {
	d.setStatus(StatusStopping)
	defer d.setStatus(StatusStopped)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.stopAll(ctx, comps) }()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("Shutdown completed with errors", "data_path", d.dataPath, "error", err)
		}
		return nil
	case <-ctx.Done():
		slog.Error("Shutdown timeout exceeded", "data_path", d.dataPath, "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// watchHealth probes the components on the configured interval until ctx
// ends. Only transitions are logged.
func (d *Daemon) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(d.timeouts.healthInterval)
	defer ticker.Stop()

	last := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.recordHealth(last)
		}
	}
}

func (d *Daemon) recordHealth(last map[string]bool) int {
	unhealthy := 0
	for name, h := range d.ComponentHealth() {
		was, seen := last[name]
		last[name] = h.Healthy
		if !h.Healthy {
			unhealthy++
		}
		switch {
		case !h.Healthy && (!seen || was):
			slog.Warn("Component unhealthy", "component", name, "error", h.Error)
		case h.Healthy && seen && !was:
			slog.Info("Component recovered", "component", name)
		}
	}
	return unhealthy
}

package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/bms/internal/api"
	"github.com/harunnryd/bms/internal/concurrency"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/daemon"
)

var defaultHTTPDependencies = []string{"Service", "AgingScheduler"}

// HTTPServerComponent serves the admin API. Start binds the port before
// returning so a port clash fails daemon startup instead of a later health
// check.
type HTTPServerComponent struct {
	daemon      *daemon.Daemon
	cfg         config.ServerConfig
	serviceComp *ServiceComponent
	deps        []string

	mu       sync.RWMutex
	phase    phase
	server   *http.Server
	addr     string
	drain    time.Duration
	serveErr error
	done     chan struct{}
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.ServerConfig, serviceComp *ServiceComponent) *HTTPServerComponent {
	return NewHTTPServerComponentWithDependencies(d, cfg, serviceComp, defaultHTTPDependencies)
}

// NewHTTPServerComponentWithDependencies overrides the components the server
// waits for. deps is copied.
func NewHTTPServerComponentWithDependencies(d *daemon.Daemon, cfg *config.ServerConfig, serviceComp *ServiceComponent, deps []string) *HTTPServerComponent {
	h := &HTTPServerComponent{
		daemon:      d,
		serviceComp: serviceComp,
		deps:        append([]string(nil), deps...),
	}
	if cfg != nil {
		h.cfg = *cfg
	}
	return h
}

func (h *HTTPServerComponent) Name() string           { return "HTTPServer" }
func (h *HTTPServerComponent) Dependencies() []string { return append([]string(nil), h.deps...) }

// serverTimeouts resolves read, write, idle and shutdown in that order.
func (h *HTTPServerComponent) serverTimeouts() ([4]time.Duration, error) {
	var out [4]time.Duration
	fields := []struct {
		key, val, def string
	}{
		{"read_timeout", h.cfg.ReadTimeout, config.DefaultServerReadTimeout},
		{"write_timeout", h.cfg.WriteTimeout, config.DefaultServerWriteTimeout},
		{"idle_timeout", h.cfg.IdleTimeout, config.DefaultServerIdleTimeout},
		{"shutdown_timeout", h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout},
	}
	for i, f := range fields {
		d, err := config.DurationOrDefault(f.val, f.def)
		if err != nil {
			return out, fmt.Errorf("server.%s: %w", f.key, err)
		}
		out[i] = d
	}
	return out, nil
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	if h.serviceComp == nil {
		return errors.New("http server needs the service component")
	}
	svc := h.serviceComp.GetService()
	if svc == nil {
		return errors.New("service context not built yet")
	}
	tt, err := h.serverTimeouts()
	if err != nil {
		return err
	}

	var health api.HealthReporter
	if h.daemon != nil {
		health = h.daemon
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.addr = net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port))
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      api.NewServer(svc, health),
		ReadTimeout:  tt[0],
		WriteTimeout: tt[1],
		IdleTimeout:  tt[2],
	}
	h.drain = tt[3]
	h.phase = phaseReady
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase != phaseReady {
		return fmt.Errorf("http server %s", h.phase)
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	h.done = make(chan struct{})
	srv, done := h.server, h.done
	concurrency.SafeGo(func() {
		defer close(done)
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		slog.Error("HTTP server exited", "component", h.Name(), "error", err)
		h.mu.Lock()
		h.serveErr = err
		h.mu.Unlock()
	}, func(r any) {
		h.mu.Lock()
		h.serveErr = fmt.Errorf("serve panic: %v", r)
		h.mu.Unlock()
	})

	h.phase = phaseRunning
	slog.Info("HTTP API listening", "component", h.Name(), "addr", ln.Addr().String())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.phase != phaseRunning {
		h.phase = phaseStopped
		h.mu.Unlock()
		return nil
	}
	srv, done, drain := h.server, h.done, h.drain
	h.phase = phaseStopped
	h.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, drain)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain http server: %w", err)
	}
	<-done
	slog.Info("HTTP API stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	err := h.phase.running()
	if err == nil && h.serveErr != nil {
		err = h.serveErr
	}
	return report(h.Name(), err), nil
}

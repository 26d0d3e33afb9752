package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/daemon"
	"github.com/harunnryd/bms/internal/service"
)

// ServiceComponent builds the service context on the store worker. The
// context's job runner is live as soon as it is built, so Start only flips
// the phase.
type ServiceComponent struct {
	cfg       *config.Config
	storeComp *StoreWorkerComponent
	opts      []service.Option

	mu    sync.RWMutex
	phase phase
	svc   *service.Context
}

func NewServiceComponent(cfg *config.Config, storeComp *StoreWorkerComponent, opts ...service.Option) *ServiceComponent {
	return &ServiceComponent{cfg: cfg, storeComp: storeComp, opts: opts}
}

func (s *ServiceComponent) Name() string           { return "Service" }
func (s *ServiceComponent) Dependencies() []string { return []string{"StoreWorker"} }

func (s *ServiceComponent) Init(ctx context.Context) error {
	if s.storeComp == nil {
		return errors.New("service needs the store component")
	}
	w := s.storeComp.GetWorker()
	if w == nil {
		return errors.New("store worker not open")
	}
	svc, err := service.New(s.cfg, append([]service.Option{service.WithStore(w)}, s.opts...)...)
	if err != nil {
		return fmt.Errorf("build service context: %w", err)
	}

	s.mu.Lock()
	s.svc = svc
	s.phase = phaseReady
	s.mu.Unlock()
	slog.Info("Service attached to store", "component", s.Name(), "bundles", len(svc.ListBundles(bundle.AllUserID)))
	return nil
}

func (s *ServiceComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseReady {
		return fmt.Errorf("service %s", s.phase)
	}
	s.phase = phaseRunning
	return nil
}

// Stop closes the service context, draining queued jobs first.
func (s *ServiceComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	svc := s.svc
	s.svc = nil
	s.phase = phaseStopped
	s.mu.Unlock()

	if svc == nil {
		return nil
	}
	if err := svc.Close(); err != nil {
		return fmt.Errorf("close service context: %w", err)
	}
	return nil
}

func (s *ServiceComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err := s.phase.running()
	if err == nil {
		err = s.svc.Runner().Health(ctx)
	}
	return report(s.Name(), err), nil
}

// GetService returns the built context, or nil before Init and after Stop.
func (s *ServiceComponent) GetService() *service.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc
}

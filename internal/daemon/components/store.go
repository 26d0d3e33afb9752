package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/daemon"
	"github.com/harunnryd/bms/internal/store"
)

// StoreWorkerComponent owns the data directory lock and the single writer
// loop every other component persists through.
type StoreWorkerComponent struct {
	cfg config.StoreConfig

	mu     sync.RWMutex
	phase  phase
	worker *store.Worker
}

func NewStoreWorkerComponent(cfg *config.StoreConfig) *StoreWorkerComponent {
	s := &StoreWorkerComponent{}
	if cfg != nil {
		s.cfg = *cfg
	}
	return s
}

func (s *StoreWorkerComponent) Name() string           { return "StoreWorker" }
func (s *StoreWorkerComponent) Dependencies() []string { return nil }

func (s *StoreWorkerComponent) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store init cancelled: %w", err)
	}
	rt, err := store.RuntimeConfigFrom(s.cfg)
	if err != nil {
		return err
	}
	w, err := store.NewWorker(s.cfg.DataPath, rt)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return fmt.Errorf("data directory is held by another bms process: %w", err)
		}
		return fmt.Errorf("open store: %w", err)
	}

	// Dependents restore their snapshots during their own Init, so the
	// write loop must already be serving.
	w.Start()

	s.mu.Lock()
	s.worker = w
	s.phase = phaseReady
	s.mu.Unlock()
	slog.Info("Store opened", "component", s.Name(), "path", w.BasePath())
	return nil
}

func (s *StoreWorkerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseReady {
		return fmt.Errorf("store %s", s.phase)
	}
	if !s.worker.IsRunning() {
		return fmt.Errorf("store write loop exited")
	}
	s.phase = phaseRunning
	return nil
}

// Stop drains the write loop and releases the lock. It also covers a
// component that was initialized but never started.
func (s *StoreWorkerComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil || s.phase == phaseStopped {
		return nil
	}
	s.worker.Stop()
	s.phase = phaseStopped
	slog.Info("Store closed", "component", s.Name())
	return nil
}

func (s *StoreWorkerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err := s.phase.running()
	switch {
	case err != nil:
	case !s.worker.IsLockHeld():
		err = fmt.Errorf("data directory lock lost")
	case !s.worker.IsRunning():
		err = fmt.Errorf("write loop not running")
	}
	return report(s.Name(), err), nil
}

func (s *StoreWorkerComponent) GetWorker() *store.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

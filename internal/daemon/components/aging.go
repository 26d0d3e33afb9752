package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/daemon"
)

// AgingSchedulerComponent fires aging cycles on the configured cron
// schedule. Disabled aging leaves it idle and always healthy.
type AgingSchedulerComponent struct {
	cfg         config.AgingConfig
	serviceComp *ServiceComponent

	mu    sync.RWMutex
	phase phase
	sched *aging.Scheduler
}

func NewAgingSchedulerComponent(cfg *config.AgingConfig, serviceComp *ServiceComponent) *AgingSchedulerComponent {
	a := &AgingSchedulerComponent{serviceComp: serviceComp}
	if cfg != nil {
		a.cfg = *cfg
	}
	return a
}

func (a *AgingSchedulerComponent) Name() string           { return "AgingScheduler" }
func (a *AgingSchedulerComponent) Dependencies() []string { return []string{"Service"} }

func (a *AgingSchedulerComponent) Init(ctx context.Context) error {
	if !a.cfg.Enabled {
		slog.Info("Aging disabled", "component", a.Name())
		return nil
	}
	if a.serviceComp == nil {
		return errors.New("aging scheduler needs the service component")
	}
	svc := a.serviceComp.GetService()
	if svc == nil {
		return errors.New("service context not built yet")
	}
	sched, err := aging.NewScheduler(svc, a.cfg)
	if err != nil {
		return err
	}
	if err := sched.Init(ctx); err != nil {
		return fmt.Errorf("aging scheduler: %w", err)
	}

	a.mu.Lock()
	a.sched = sched
	a.phase = phaseReady
	a.mu.Unlock()
	return nil
}

func (a *AgingSchedulerComponent) Start(ctx context.Context) error {
	if !a.cfg.Enabled {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseReady {
		return fmt.Errorf("aging scheduler %s", a.phase)
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("aging scheduler: %w", err)
	}
	a.phase = phaseRunning
	slog.Info("Aging scheduled", "component", a.Name(), "schedule", a.cfg.Schedule, "next_run", a.sched.NextRun())
	return nil
}

// Stop waits for an in-flight cycle to finish or ctx to end.
func (a *AgingSchedulerComponent) Stop(ctx context.Context) error {
	a.mu.Lock()
	sched, wasRunning := a.sched, a.phase == phaseRunning
	a.phase = phaseStopped
	a.mu.Unlock()
	if sched == nil || !wasRunning {
		return nil
	}
	return sched.Stop(ctx)
}

func (a *AgingSchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if !a.cfg.Enabled {
		return report(a.Name(), nil), nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	err := a.phase.running()
	if err == nil {
		err = a.sched.Health(ctx)
	}
	return report(a.Name(), err), nil
}

// GetScheduler returns nil while aging is disabled or not yet initialized.
func (a *AgingSchedulerComponent) GetScheduler() *aging.Scheduler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sched
}

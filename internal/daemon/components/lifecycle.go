// Package components adapts the bms subsystems to the daemon Component
// interface.
package components

import (
	"fmt"
	"time"

	"github.com/harunnryd/bms/internal/daemon"
)

// phase tracks where a component is in its lifecycle.
type phase int

const (
	phaseNew phase = iota
	phaseReady
	phaseRunning
	phaseStopped
)

func (p phase) String() string {
	switch p {
	case phaseNew:
		return "not initialized"
	case phaseReady:
		return "not started"
	case phaseRunning:
		return "running"
	default:
		return "stopped"
	}
}

// running reports an error unless the component is serving.
func (p phase) running() error {
	if p != phaseRunning {
		return fmt.Errorf("%s", p)
	}
	return nil
}

func report(name string, err error) *daemon.ComponentHealth {
	return &daemon.ComponentHealth{
		Name:      name,
		Healthy:   err == nil,
		Error:     err,
		CheckedAt: time.Now(),
	}
}

package process

import (
	"context"
	"errors"
	"fmt"
)

// RunningState is the answer of a liveness probe.
type RunningState int

const (
	Running RunningState = iota
	NotRunning
	Error
)

func (s RunningState) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case NotRunning:
		return "NOT_RUNNING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("RunningState(%d)", int(s))
	}
}

// Checker reports whether a bundle process with uid is alive.
type Checker interface {
	IsRunning(ctx context.Context, bundleName string, uid int) (RunningState, error)
}

// Killer stops a running bundle process.
type Killer interface {
	Kill(ctx context.Context, bundleName string, uid int) error
}

// MultiChecker reports Running when any member does. Otherwise a member
// error yields Error and NotRunning needs every member to agree.
type MultiChecker []Checker

func (m MultiChecker) IsRunning(ctx context.Context, bundleName string, uid int) (RunningState, error) {
	var errs []error
	for _, c := range m {
		if c == nil {
			continue
		}
		state, err := c.IsRunning(ctx, bundleName, uid)
		if state == Running {
			return Running, nil
		}
		if err != nil || state == Error {
			if err == nil {
				err = fmt.Errorf("checker reported error state for %s", bundleName)
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return Error, errors.Join(errs...)
	}
	return NotRunning, nil
}

// Package concurrency has the goroutine and locking helpers the daemon and
// job runner share.
package concurrency

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is what SafeCall returns when fn panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// SafeGo starts fn on a new goroutine. A panic is logged with its stack and
// handed to onPanic when it is non-nil.
func SafeGo(fn func(), onPanic func(any)) {
	go func() {
		if pe := catch(func() error { fn(); return nil }); pe != nil && onPanic != nil {
			onPanic(pe.(*PanicError).Value)
		}
	}()
}

// SafeCall runs fn on the calling goroutine, turning a panic into a
// *PanicError.
func SafeCall(fn func() error) error {
	return catch(fn)
}

func catch(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		pe := &PanicError{Value: r, Stack: debug.Stack()}
		slog.Error("Recovered panic", "panic", r, "stack", string(pe.Stack))
		err = pe
	}()
	return fn()
}

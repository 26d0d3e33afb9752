package installer

import (
	"context"
	"sync"

	bmsErrors "github.com/harunnryd/bms/internal/errors"
)

// StatusReceiver is told the outcome of an install or uninstall exactly once.
type StatusReceiver interface {
	OnFinished(code bmsErrors.ErrCode, message string)
}

// Result is what a ResultReceiver captured.
type Result struct {
	Code    bmsErrors.ErrCode
	Message string
}

// Err converts the result back into an error, nil for ErrOK.
func (r Result) Err() error {
	return bmsErrors.Code(r.Code, r.Message)
}

// ResultReceiver buffers the first result for Wait.
type ResultReceiver struct {
	once sync.Once
	ch   chan Result
}

func NewResultReceiver() *ResultReceiver {
	return &ResultReceiver{ch: make(chan Result, 1)}
}

func (r *ResultReceiver) OnFinished(code bmsErrors.ErrCode, message string) {
	r.once.Do(func() {
		r.ch <- Result{Code: code, Message: message}
	})
}

// Wait blocks until OnFinished was called or ctx is done.
func (r *ResultReceiver) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-r.ch:
		// Keep the result readable for a later Wait.
		r.ch <- res
		return res, nil
	case <-ctx.Done():
		return Result{Code: bmsErrors.ErrInstallInternalError}, ctx.Err()
	}
}

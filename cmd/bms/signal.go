package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// interruptible derives a context that the first SIGINT or SIGTERM cancels,
// noting the signal on errOut. The returned release must be called to stop
// listening; a second signal after release gets the default behavior.
func interruptible(parent context.Context, errOut io.Writer) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	watching := make(chan struct{})
	go func() {
		defer close(watching)
		select {
		case s := <-sigs:
			fmt.Fprintf(errOut, "\n%s received, stopping after the current job\n", s)
			cancel(fmt.Errorf("interrupted by %s", s))
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		cancel(nil)
		<-watching
	}
}

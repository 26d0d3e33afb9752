// Package worker runs mutating jobs on a single serial lane. Installs,
// uninstalls and aging cycles share one lane so none of them interleave.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/bms/internal/concurrency"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/logger"

	"github.com/oklog/ulid/v2"
)

// JobFunc is one unit of mutating work. It must not submit to its own lane.
type JobFunc func(ctx context.Context) error

type job struct {
	id     string
	name   string
	ctx    context.Context
	fn     JobFunc
	result chan error
}

type laneState int

const (
	laneIdle laneState = iota
	laneOpen
	laneClosed
)

// Stats counts jobs the lane has finished.
type Stats struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
	Queued    int
}

// Lane executes jobs one at a time in submission order.
type Lane struct {
	name  string
	queue chan *job
	grace time.Duration

	mu    sync.Mutex
	state laneState
	quit  chan struct{}
	exit  chan struct{}

	succeeded, failed, skipped atomic.Int64
}

// NewLane sizes the queue and stop grace period from cfg, defaulting
// whatever is unset.
func NewLane(name string, cfg config.RunnerConfig) (*Lane, error) {
	grace, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultRunnerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("runner.shutdown_timeout: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = config.DefaultRunnerQueueSize
	}
	return &Lane{name: name, queue: make(chan *job, size), grace: grace}, nil
}

// Start launches the loop. It runs until Stop or until ctx ends; a lane
// cannot be restarted.
func (l *Lane) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != laneIdle {
		return errors.InvalidInput(fmt.Sprintf("lane %s already started", l.name))
	}
	l.state = laneOpen
	l.quit = make(chan struct{})
	l.exit = make(chan struct{})

	quit, exit := l.quit, l.exit
	concurrency.SafeGo(func() {
		defer close(exit)
		l.loop(ctx, quit)
	}, nil)
	slog.Debug("Job lane open", "lane", l.name)
	return nil
}

func (l *Lane) loop(ctx context.Context, quit <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			l.failQueued(ctx.Err())
			return
		case <-quit:
			l.failQueued(errors.Internal(fmt.Sprintf("lane %s stopped", l.name)))
			return
		case j := <-l.queue:
			l.run(j)
		}
	}
}

// failQueued answers every job still waiting so no submitter blocks forever.
func (l *Lane) failQueued(reason error) {
	for {
		select {
		case j := <-l.queue:
			l.skipped.Add(1)
			j.result <- fmt.Errorf("job %s not run: %w", j.name, reason)
		default:
			return
		}
	}
}

func (l *Lane) run(j *job) {
	log := logger.FromContext(j.ctx).With("lane", l.name, "job", j.name, "job_id", j.id)
	if err := j.ctx.Err(); err != nil {
		// Submitter already gave up.
		l.skipped.Add(1)
		j.result <- err
		return
	}

	began := time.Now()
	err := concurrency.SafeCall(func() error { return j.fn(j.ctx) })
	took := time.Since(began)
	if err != nil {
		l.failed.Add(1)
		log.Warn("Job failed", "error", err, "took", took)
	} else {
		l.succeeded.Add(1)
		log.Debug("Job done", "took", took)
	}
	j.result <- err
}

// Submit queues fn and waits for its result. A panic inside fn comes back as
// an error. If ctx ends first, Submit returns ctx.Err() and fn is skipped
// unless it already began.
func (l *Lane) Submit(ctx context.Context, name string, fn JobFunc) error {
	if fn == nil {
		return errors.InvalidInput("nil job")
	}
	l.mu.Lock()
	state, quit := l.state, l.quit
	l.mu.Unlock()
	switch state {
	case laneIdle:
		return errors.Internal(fmt.Sprintf("lane %s not started", l.name))
	case laneClosed:
		return errors.Internal(fmt.Sprintf("lane %s stopped", l.name))
	}

	j := &job{id: ulid.Make().String(), name: name, ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case l.queue <- j:
	case <-quit:
		return errors.Internal(fmt.Sprintf("lane %s stopped", l.name))
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the lane and waits up to the grace period for the running job
// to finish. Queued jobs fail. Stopping twice is a no-op.
func (l *Lane) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != laneOpen {
		l.state = laneClosed
		l.mu.Unlock()
		return nil
	}
	l.state = laneClosed
	close(l.quit)
	exit := l.exit
	l.mu.Unlock()

	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	select {
	case <-exit:
		s := l.Stats()
		slog.Debug("Job lane closed", "lane", l.name, "succeeded", s.Succeeded, "failed", s.Failed, "skipped", s.Skipped)
		return nil
	case <-timer.C:
		return errors.Internal(fmt.Sprintf("lane %s: running job outlived %v grace", l.name, l.grace))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health fails unless the lane is open and its loop is alive.
func (l *Lane) Health(ctx context.Context) error {
	l.mu.Lock()
	state, exit := l.state, l.exit
	l.mu.Unlock()
	if state != laneOpen {
		return errors.Internal(fmt.Sprintf("lane %s not running", l.name))
	}
	select {
	case <-exit:
		return errors.Internal(fmt.Sprintf("lane %s loop exited", l.name))
	default:
		return nil
	}
}

func (l *Lane) Stats() Stats {
	return Stats{
		Succeeded: l.succeeded.Load(),
		Failed:    l.failed.Load(),
		Skipped:   l.skipped.Load(),
		Queued:    len(l.queue),
	}
}

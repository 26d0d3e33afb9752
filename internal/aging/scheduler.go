package aging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/bms/internal/config"
	bmsErrors "github.com/harunnryd/bms/internal/errors"

	"github.com/robfig/cron/v3"
)

// TriggerSchedule names cycles started by the scheduler.
const TriggerSchedule = "schedule"

// CycleRunner runs one aging cycle. The service routes it through its job
// lane so cycles never overlap installs.
type CycleRunner interface {
	RunAging(ctx context.Context, trigger string) (*Report, error)
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires aging cycles from a robfig/cron runner. A cycle still
// running when the next one is due makes the later one skip, and runs missed
// while the process was down are not replayed.
type Scheduler struct {
	runner   CycleRunner
	spec     string
	schedule cron.Schedule
	grace    time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	lastRun time.Time
	lastErr error
}

func NewScheduler(runner CycleRunner, cfg config.AgingConfig) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("aging scheduler needs a cycle runner")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = config.DefaultAgingSchedule
	}
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("aging.schedule %q: %w", spec, err)
	}
	grace, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultAgingShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("aging.shutdown_timeout: %w", err)
	}
	return &Scheduler{runner: runner, spec: spec, schedule: schedule, grace: grace}, nil
}

// Init registers the cycle job. Cycles run under a context derived from ctx
// that Stop cancels.
func (s *Scheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	log := cronLogger{slog.Default().With("component", "aging")}
	s.cron = cron.New(
		cron.WithParser(specParser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	s.entry = s.cron.Schedule(s.schedule, cron.FuncJob(s.fire))
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return bmsErrors.Internal("aging scheduler not initialized")
	}
	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the schedule and waits for an in-flight cycle, which sees its
// context cancelled, for at most the grace period.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	drained := s.cron.Stop()
	s.mu.Unlock()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-drained.Done():
		return nil
	case <-timer.C:
		return bmsErrors.Internal(fmt.Sprintf("aging cycle still running after %v", s.grace))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.cron == nil:
		return bmsErrors.Internal("aging scheduler not initialized")
	case !s.running:
		return bmsErrors.Internal("aging scheduler not running")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun is when the next cycle is due. Before Start it is computed from
// the current time.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			return next
		}
	}
	return s.schedule.Next(time.Now())
}

// LastRun reports when the latest scheduled cycle finished and its error.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	report, err := s.runner.RunAging(ctx, TriggerSchedule)

	s.mu.Lock()
	s.lastRun, s.lastErr = time.Now(), err
	s.mu.Unlock()

	if err != nil {
		slog.Error("Scheduled aging cycle failed", "error", err)
		return
	}
	slog.Info("Scheduled aging cycle done", "run_id", report.RunID, "ran", report.Ran,
		"reason", report.Reason, "evicted", len(report.Evicted))
}

// cronLogger routes robfig/cron's logging into slog. cron's Info lines are
// per-tick noise, so they go to debug.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/bms/internal/config"
	bmsErrors "github.com/harunnryd/bms/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLane(t *testing.T) *Lane {
	t.Helper()
	l, err := NewLane("test", config.RunnerConfig{QueueSize: 4, ShutdownTimeout: "2s"})
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l
}

func TestNewLaneRejectsBadGrace(t *testing.T) {
	_, err := NewLane("x", config.RunnerConfig{ShutdownTimeout: "later"})
	assert.ErrorContains(t, err, "runner.shutdown_timeout")
}

func TestSubmitReturnsJobResult(t *testing.T) {
	l := openLane(t)
	ctx := context.Background()

	require.NoError(t, l.Submit(ctx, "ok", func(context.Context) error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, l.Submit(ctx, "fail", func(context.Context) error { return boom }), boom)

	err := l.Submit(ctx, "panic", func(context.Context) error { panic("kaboom") })
	assert.ErrorContains(t, err, "kaboom")

	assert.ErrorIs(t, l.Submit(ctx, "nil", nil), bmsErrors.ErrInvalidInput)

	s := l.Stats()
	assert.EqualValues(t, 1, s.Succeeded)
	assert.EqualValues(t, 2, s.Failed)
}

func TestJobsRunSerially(t *testing.T) {
	l := openLane(t)
	var inside, peak atomic.Int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Submit(context.Background(), "job", func(context.Context) error {
				if n := inside.Add(1); n > peak.Load() {
					peak.Store(n)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
	assert.Len(t, order, 10)
}

func TestLaneLifecycle(t *testing.T) {
	l, err := NewLane("idle", config.RunnerConfig{})
	require.NoError(t, err)
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, l.Submit(context.Background(), "x", noop), bmsErrors.ErrInternal)
	assert.Error(t, l.Health(context.Background()))

	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), bmsErrors.ErrInvalidInput)
	assert.NoError(t, l.Health(context.Background()))

	require.NoError(t, l.Stop(context.Background()))
	assert.ErrorContains(t, l.Submit(context.Background(), "x", noop), "stopped")
	assert.Error(t, l.Health(context.Background()))
	assert.NoError(t, l.Stop(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), bmsErrors.ErrInvalidInput)
}

func TestLaneEndsWithParentContext(t *testing.T) {
	l, err := NewLane("ctx", config.RunnerConfig{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()
	require.Eventually(t, func() bool {
		return l.Health(context.Background()) != nil
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, l.Stop(context.Background()))
}

func TestAbandonedJobIsSkipped(t *testing.T) {
	l := openLane(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), "blocker", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := l.Submit(ctx, "late", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	require.NoError(t, l.Submit(context.Background(), "after", func(context.Context) error { return nil }))
	assert.False(t, ran.Load())
	assert.EqualValues(t, 1, l.Stats().Skipped)
}

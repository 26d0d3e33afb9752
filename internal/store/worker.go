package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/cooldown"

	"github.com/natefinch/atomic"
)

// ErrWorkerStopped is returned for requests submitted after Stop.
var ErrWorkerStopped = errors.New("store worker stopped")

// ErrWorkerNotStarted is returned for requests submitted before Start.
var ErrWorkerNotStarted = errors.New("store worker not started")

type Operation int

const (
	OpSaveSnapshot Operation = iota
	OpLoadSnapshot
	OpAppendEvent
	OpReadEvents
	OpSaveCooldown
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type SaveSnapshotPayload struct {
	Name string
	Data []byte
}

type LoadSnapshotPayload struct {
	Name string
}

type AppendEventPayload struct {
	Data []byte // JSON line
}

type ReadEventsPayload struct {
	Limit int // 0 = all
}

// Worker owns the data directory. Every write goes through its loop so
// snapshots and the event journal are never written concurrently.
type Worker struct {
	basePath            string
	layout              Layout
	inbox               chan Request
	cooldowns           *cooldown.Store
	lock                *DirLock
	quit                chan struct{}
	startOnce           sync.Once
	started             stdatomic.Bool
	stopOnce            sync.Once
	wg                  sync.WaitGroup
	running             stdatomic.Bool
	eventRotateMaxBytes int64
}

type RuntimeConfig struct {
	LockTimeout         time.Duration
	LockRetry           time.Duration
	LockMaxRetry        int
	InboxSize           int
	EventRotateMaxBytes int64
}

// withDefaults fills every unset field from the config package defaults.
func (c RuntimeConfig) withDefaults() (RuntimeConfig, error) {
	var err error
	if c.LockTimeout <= 0 {
		if c.LockTimeout, err = config.DurationOrDefault("", config.DefaultStoreLockTimeout); err != nil {
			return c, fmt.Errorf("store.lock_timeout: %w", err)
		}
	}
	if c.LockRetry <= 0 {
		if c.LockRetry, err = config.DurationOrDefault("", config.DefaultStoreLockRetry); err != nil {
			return c, fmt.Errorf("store.lock_retry: %w", err)
		}
	}
	c.LockMaxRetry = orDefault(c.LockMaxRetry, config.DefaultStoreLockMaxRetry)
	c.InboxSize = orDefault(c.InboxSize, config.DefaultStoreInboxSize)
	c.EventRotateMaxBytes = orDefault(c.EventRotateMaxBytes, config.DefaultStoreEventRotateMaxBytes)
	return c, nil
}

func orDefault[T int | int64](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func NewWorker(dataPath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	layout, err := NewLayout(dataPath)
	if err != nil {
		return nil, err
	}
	for _, d := range layout.Dirs() {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dir %s: %w", d, err)
		}
	}
	basePath := layout.Base

	runtimeCfg, err = runtimeCfg.withDefaults()
	if err != nil {
		return nil, err
	}

	// One bms process per data dir
	lock, err := AcquireDirLock(context.Background(), basePath, LockOptions{
		Timeout:  runtimeCfg.LockTimeout,
		Retry:    runtimeCfg.LockRetry,
		MaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, err
	}

	cooldowns, err := cooldown.NewStore(layout.Cooldowns())
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("failed to load cooldown store: %w", err)
	}

	return &Worker{
		basePath:            basePath,
		layout:              layout,
		inbox:               make(chan Request, runtimeCfg.InboxSize),
		cooldowns:           cooldowns,
		lock:                lock,
		quit:                make(chan struct{}),
		eventRotateMaxBytes: runtimeCfg.EventRotateMaxBytes,
	}, nil
}

// Start launches the write loop. Calls after the first are no-ops.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.running.Store(true)
		w.started.Store(true)
		w.wg.Add(1)
		go w.loop()
	})
}

func (w *Worker) loop() {
	slog.Info("StoreWorker started", "path", w.basePath)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	if pruned := w.cooldowns.Prune(); pruned > 0 {
		slog.Info("Pruned expired aging cooldowns", "count", pruned)
		if err := w.cooldowns.Save(); err != nil {
			slog.Error("Failed to save pruned cooldowns", "error", err)
		}
	}

	for {
		select {
		case req := <-w.inbox:
			err := w.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Info("StoreWorker stopping")
			return
		}
	}
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpSaveSnapshot:
		p, ok := req.Payload.(SaveSnapshotPayload)
		if !ok {
			return fmt.Errorf("invalid payload for SaveSnapshot")
		}
		return w.saveSnapshot(p.Name, p.Data)
	case OpLoadSnapshot:
		p, ok := req.Payload.(LoadSnapshotPayload)
		if !ok {
			return fmt.Errorf("invalid payload for LoadSnapshot")
		}
		data, err := w.loadSnapshot(p.Name)
		if req.Response != nil {
			req.Response <- data
		}
		return err
	case OpAppendEvent:
		p, ok := req.Payload.(AppendEventPayload)
		if !ok {
			return fmt.Errorf("invalid payload for AppendEvent")
		}
		return w.appendEvent(p.Data)
	case OpReadEvents:
		p, ok := req.Payload.(ReadEventsPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ReadEvents")
		}
		events, err := w.readEvents(p.Limit)
		if req.Response != nil {
			req.Response <- events
		}
		return err
	case OpSaveCooldown:
		return w.cooldowns.Save()
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (w *Worker) saveSnapshot(name string, data []byte) error {
	return atomic.WriteFile(w.layout.Snapshot(name), bytes.NewReader(data))
}

func (w *Worker) loadSnapshot(name string) ([]byte, error) {
	data, err := os.ReadFile(w.layout.Snapshot(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (w *Worker) appendEvent(data []byte) error {
	path := w.layout.Events()

	if err := w.checkAndRotate(path); err != nil {
		slog.Warn("Failed to rotate event journal", "error", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}
	return f.Sync()
}

func (w *Worker) readEvents(limit int) ([]bundle.Event, error) {
	f, err := os.Open(w.layout.Events())
	if os.IsNotExist(err) {
		return []bundle.Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events := []bundle.Event{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev bundle.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("Skipping malformed event line", "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(events) > limit {
		// Return last N events
		return events[len(events)-limit:], nil
	}
	return events, nil
}

func (w *Worker) checkAndRotate(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.Size() < w.eventRotateMaxBytes {
		return nil
	}

	slog.Info("Rotating event journal", "size", info.Size())

	timestamp := time.Now().Format("20060102150405")
	backupPath := fmt.Sprintf("%s.%s.bak", path, timestamp)
	if err := os.Rename(path, backupPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}

func (w *Worker) submit(req Request) error {
	if !w.started.Load() {
		return ErrWorkerNotStarted
	}
	select {
	case <-w.quit:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.inbox <- req:
	case <-w.quit:
		return ErrWorkerStopped
	}
	if req.Result == nil {
		return nil
	}
	select {
	case err := <-req.Result:
		return err
	case <-w.quit:
		return ErrWorkerStopped
	}
}

// Public API for other components

// SaveSnapshot marshals v and atomically replaces the named snapshot.
func (w *Worker) SaveSnapshot(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}
	return w.submit(Request{
		Op:      OpSaveSnapshot,
		Payload: SaveSnapshotPayload{Name: name, Data: data},
		Result:  make(chan error, 1),
	})
}

// LoadSnapshot decodes the named snapshot into v. It returns false when the
// snapshot has never been written.
func (w *Worker) LoadSnapshot(name string, v interface{}) (bool, error) {
	resp := make(chan interface{}, 1)
	if err := w.submit(Request{
		Op:       OpLoadSnapshot,
		Payload:  LoadSnapshotPayload{Name: name},
		Result:   make(chan error, 1),
		Response: resp,
	}); err != nil {
		return false, err
	}
	data, _ := (<-resp).([]byte)
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	return true, nil
}

// AppendEvent journals ev. It satisfies bundle.EventSink.
func (w *Worker) AppendEvent(ev bundle.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.submit(Request{
		Op:      OpAppendEvent,
		Payload: AppendEventPayload{Data: data},
		Result:  make(chan error, 1),
	})
}

func (w *Worker) ReadEvents(limit int) ([]bundle.Event, error) {
	resp := make(chan interface{}, 1)
	if err := w.submit(Request{
		Op:       OpReadEvents,
		Payload:  ReadEventsPayload{Limit: limit},
		Result:   make(chan error, 1),
		Response: resp,
	}); err != nil {
		return nil, err
	}
	events, _ := (<-resp).([]bundle.Event)
	return events, nil
}

// Cooldowns exposes the persisted aging cooldown windows.
func (w *Worker) Cooldowns() *cooldown.Store {
	return w.cooldowns
}

// CheckAndMarkCooldown reports whether key is cooling down and, if not,
// starts a new window and queues a save.
func (w *Worker) CheckAndMarkCooldown(key string, ttl time.Duration) bool {
	active := w.cooldowns.CheckAndMark(key, ttl)
	if !active {
		if err := w.submit(Request{Op: OpSaveCooldown}); err != nil {
			slog.Warn("Failed to queue cooldown save", "error", err)
		}
	}
	return active
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("StoreWorker Stop called", "path", w.basePath, "lock_held", w.lock.Held())

		close(w.quit)
		w.wg.Wait()

		if err := w.cooldowns.Save(); err != nil {
			slog.Warn("Failed to save cooldowns on stop", "error", err)
		}
		w.lock.Release()
	})
}

func (w *Worker) BasePath() string {
	return w.basePath
}

func (w *Worker) IsLockHeld() bool {
	return w.lock.Held()
}

func (w *Worker) IsRunning() bool {
	return w.lock.Held() && w.running.Load()
}

// RuntimeConfigFrom parses the configured store settings, falling back to
// defaults for anything left empty.
func RuntimeConfigFrom(cfg config.StoreConfig) (RuntimeConfig, error) {
	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse store lock retry: %w", err)
	}
	return RuntimeConfig{
		LockTimeout:         lockTimeout,
		LockRetry:           lockRetry,
		LockMaxRetry:        cfg.LockMaxRetry,
		InboxSize:           cfg.InboxSize,
		EventRotateMaxBytes: cfg.EventRotateMaxBytes,
	}, nil
}

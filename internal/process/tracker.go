package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Launch is one process the tracker believes is alive.
type Launch struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	BundleName string    `json:"bundle_name" yaml:"bundle_name"`
	UID        int       `json:"uid" yaml:"uid"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
}

type launchKey struct {
	bundle string
	uid    int
}

// Tracker keeps launches reported through the CLI or the admin API. It is
// both a Checker and a Killer.
type Tracker struct {
	mu       sync.RWMutex
	launches map[launchKey]Launch
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		launches: make(map[launchKey]Launch),
		now:      time.Now,
	}
}

// MarkRunning records a launch and returns its run id. Marking an already
// running process keeps the original run.
func (t *Tracker) MarkRunning(bundleName string, uid int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := launchKey{bundle: bundleName, uid: uid}
	if l, ok := t.launches[key]; ok {
		return l.RunID
	}
	l := Launch{
		RunID:      ulid.Make().String(),
		BundleName: bundleName,
		UID:        uid,
		StartedAt:  t.now(),
	}
	t.launches[key] = l
	return l.RunID
}

// MarkStopped forgets a launch. It returns false when none was tracked.
func (t *Tracker) MarkStopped(bundleName string, uid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := launchKey{bundle: bundleName, uid: uid}
	if _, ok := t.launches[key]; !ok {
		return false
	}
	delete(t.launches, key)
	return true
}

func (t *Tracker) IsRunning(ctx context.Context, bundleName string, uid int) (RunningState, error) {
	if err := ctx.Err(); err != nil {
		return Error, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.launches[launchKey{bundle: bundleName, uid: uid}]; ok {
		return Running, nil
	}
	return NotRunning, nil
}

// Kill marks every tracked process of bundleName stopped. A uid below zero
// matches all of the bundle's uids.
func (t *Tracker) Kill(ctx context.Context, bundleName string, uid int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bundleName == "" {
		return fmt.Errorf("kill: empty bundle name")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.launches {
		if key.bundle == bundleName && (uid < 0 || key.uid == uid) {
			delete(t.launches, key)
		}
	}
	return nil
}

// List returns tracked launches in launch order.
func (t *Tracker) List() []Launch {
	t.mu.RLock()
	out := make([]Launch, 0, len(t.launches))
	for _, l := range t.launches {
		out = append(out, l)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

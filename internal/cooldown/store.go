// Package cooldown remembers recently fired aging triggers so a repeated
// storage-pressure signal does not start back-to-back aging passes.
package cooldown

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Window is one trigger's cooldown. Fired counts how often the trigger has
// opened a window since the key was last cleared.
type Window struct {
	Until time.Time `json:"until"`
	Fired int       `json:"fired"`
}

type file struct {
	Windows map[string]Window `json:"windows"`
}

// Store is safe for concurrent use. Changes reach disk only on Save.
type Store struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	windows map[string]Window
}

// NewStore loads path, creating an empty file when it does not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now, windows: map[string]Window{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, s.Save()
	case err != nil:
		return nil, err
	case len(bytes.TrimSpace(data)) == 0:
		return s, nil
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for k, w := range f.Windows {
		s.windows[k] = w
	}
	return s, nil
}

// NewMemoryStore returns a store whose Save is a no-op.
func NewMemoryStore() *Store {
	return &Store{now: time.Now, windows: map[string]Window{}}
}

func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	data, err := json.MarshalIndent(file{Windows: s.windows}, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

// CheckAndMark reports true while key is cooling down. Otherwise it opens a
// ttl window for key and reports false; a non-positive ttl opens nothing.
func (s *Store) CheckAndMark(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w := s.windows[key]
	if now.Before(w.Until) {
		return true
	}
	if ttl > 0 {
		s.windows[key] = Window{Until: now.Add(ttl), Fired: w.Fired + 1}
	}
	return false
}

// Remaining is how long key stays in cooldown, zero when it is free.
func (s *Store) Remaining(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.windows[key].Until.Sub(s.now()), 0)
}

// Get returns key's window, if any.
func (s *Store) Get(key string) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	return w, ok
}

// Clear frees key so its next trigger runs immediately.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
}

// Prune drops expired windows and returns how many it removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, w := range s.windows {
		if !now.Before(w.Until) {
			delete(s.windows, k)
			n++
		}
	}
	return n
}

package store

import (
	"os"
	"path/filepath"

	"github.com/harunnryd/bms/internal/pathutil"
)

// ResolveDataPath expands dataPath, defaulting to ~/.bms/data when blank.
func ResolveDataPath(dataPath string) (string, error) {
	p, err := pathutil.Expand(dataPath)
	if err != nil || p != "" {
		return p, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bms", "data"), nil
}

// Layout names every file the store keeps under its data directory:
//
//	<base>/bms.lock
//	<base>/<snapshot>.json
//	<base>/events/events.jsonl
//	<base>/governance/aging_cooldown.json
type Layout struct {
	Base string
}

// NewLayout resolves dataPath and returns the layout rooted there.
func NewLayout(dataPath string) (Layout, error) {
	base, err := ResolveDataPath(dataPath)
	return Layout{Base: base}, err
}

func (l Layout) Lock() string                { return filepath.Join(l.Base, lockFileName) }
func (l Layout) Snapshot(name string) string { return filepath.Join(l.Base, name+".json") }
func (l Layout) EventsDir() string           { return filepath.Join(l.Base, "events") }
func (l Layout) Events() string              { return filepath.Join(l.EventsDir(), eventsFileName) }
func (l Layout) GovernanceDir() string       { return filepath.Join(l.Base, "governance") }
func (l Layout) Cooldowns() string           { return filepath.Join(l.GovernanceDir(), cooldownFileName) }

// Dirs lists the directories that must exist before the worker opens.
func (l Layout) Dirs() []string {
	return []string{l.Base, l.EventsDir(), l.GovernanceDir()}
}

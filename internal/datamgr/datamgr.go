package datamgr

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/concurrency"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/store"
)

// Persister stores named JSON snapshots. *store.Worker implements it.
type Persister interface {
	SaveSnapshot(name string, v interface{}) error
	LoadSnapshot(name string, v interface{}) (bool, error)
}

type bundleSnapshot struct {
	Bundles map[string]*bundle.InnerBundleInfo `json:"bundles"`
	States  map[string]bundle.InstallState     `json:"states"`
	AppIDs  map[string]int                     `json:"app_ids"`
}

// DataMgr holds installed bundles, their install states, the known users and
// the uid allocation table.
type DataMgr struct {
	mu      sync.RWMutex
	bundles map[string]*bundle.InnerBundleInfo
	states  map[string]bundle.InstallState
	users   map[int]struct{}
	appIDs  map[string]int
	usedIDs map[int]string

	locks     concurrency.KeyedMutex
	persister Persister
	persistMu sync.Mutex
}

// New builds a data manager seeded with users and restores any snapshot the
// persister holds. A nil persister keeps everything in memory.
func New(persister Persister, users []int) (*DataMgr, error) {
	m := &DataMgr{
		bundles:   make(map[string]*bundle.InnerBundleInfo),
		states:    make(map[string]bundle.InstallState),
		users:     make(map[int]struct{}),
		appIDs:    make(map[string]int),
		usedIDs:   make(map[int]string),
		persister: persister,
	}
	for _, id := range users {
		m.users[id] = struct{}{}
	}

	if persister != nil {
		if err := m.restore(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *DataMgr) restore() error {
	var snap bundleSnapshot
	found, err := m.persister.LoadSnapshot(store.SnapshotBundles, &snap)
	if err != nil {
		return fmt.Errorf("load bundle snapshot: %w", err)
	}
	if found {
		for name, info := range snap.Bundles {
			state, ok := snap.States[name]
			if !ok {
				state = bundle.InstallSuccess
			}
			switch state {
			case bundle.InstallStart, bundle.InstallFail, bundle.UninstallSuccess:
				slog.Warn("Dropping bundle left mid-install", "bundle", name, "state", state)
				continue
			case bundle.UpdatingStart, bundle.UninstallStart, bundle.RollBack:
				slog.Warn("Restoring interrupted bundle to installed", "bundle", name, "state", state)
				state = bundle.InstallSuccess
			}
			m.bundles[name] = info
			m.states[name] = state
		}
		for key, appID := range snap.AppIDs {
			m.appIDs[key] = appID
			m.usedIDs[appID] = key
		}
	}

	var users []int
	found, err = m.persister.LoadSnapshot(store.SnapshotUsers, &users)
	if err != nil {
		return fmt.Errorf("load user snapshot: %w", err)
	}
	if found {
		for _, id := range users {
			m.users[id] = struct{}{}
		}
	}
	return nil
}

func (m *DataMgr) persist() error {
	if m.persister == nil {
		return nil
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	snap := bundleSnapshot{
		Bundles: make(map[string]*bundle.InnerBundleInfo, len(m.bundles)),
		States:  make(map[string]bundle.InstallState, len(m.states)),
		AppIDs:  make(map[string]int, len(m.appIDs)),
	}
	for name, info := range m.bundles {
		snap.Bundles[name] = info.Clone()
	}
	for name, state := range m.states {
		snap.States[name] = state
	}
	for key, id := range m.appIDs {
		snap.AppIDs[key] = id
	}
	users := m.userIDsLocked()
	m.mu.RUnlock()

	if err := m.persister.SaveSnapshot(store.SnapshotBundles, snap); err != nil {
		return fmt.Errorf("save bundle snapshot: %w", err)
	}
	if err := m.persister.SaveSnapshot(store.SnapshotUsers, users); err != nil {
		return fmt.Errorf("save user snapshot: %w", err)
	}
	return nil
}

// GetInnerBundleInfo returns a copy of the record. Bundles in a disabling
// install state are reported as absent.
func (m *DataMgr) GetInnerBundleInfo(name string) (*bundle.InnerBundleInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.bundles[name]
	if !ok {
		return nil, false
	}
	if state, ok := m.states[name]; ok && state.IsDisableState() {
		slog.Debug("Bundle is disabled", "bundle", name, "state", state)
		return nil, false
	}
	return info.Clone(), true
}

// FetchInnerBundleInfo returns the record regardless of its install state.
func (m *DataMgr) FetchInnerBundleInfo(name string) (*bundle.InnerBundleInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.bundles[name]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// GetInnerBundleInfoByUID finds the original bundle owning uid.
func (m *DataMgr) GetInnerBundleInfoByUID(uid int) (*bundle.InnerBundleInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, info := range m.bundles {
		if info.HasUID(uid) {
			return info.Clone(), nil
		}
	}
	return nil, bmsErrors.NotFound(fmt.Sprintf("no bundle with uid %d", uid))
}

func (m *DataMgr) GetBundleInstallState(name string) (bundle.InstallState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[name]
	return state, ok
}

// UpdateBundleInstallState applies a state transition. Terminal states drop
// the record. It returns false when the transition is not allowed.
func (m *DataMgr) UpdateBundleInstallState(name string, state bundle.InstallState) bool {
	if name == "" {
		return false
	}

	m.mu.Lock()
	current, exists := m.states[name]
	if !bundle.CanTransition(exists, current, state) {
		m.mu.Unlock()
		slog.Warn("Rejected install state transition", "bundle", name, "from", current, "to", state, "exists", exists)
		return false
	}
	if state.IsTerminal() {
		delete(m.states, name)
		delete(m.bundles, name)
	} else {
		m.states[name] = state
	}
	m.mu.Unlock()

	slog.Debug("Install state updated", "bundle", name, "from", current, "to", state)
	if err := m.persist(); err != nil {
		slog.Error("Failed to persist install state", "bundle", name, "error", err)
	}
	return true
}

// SaveInnerBundleInfo stores a copy of info. The bundle must already have an
// install state.
func (m *DataMgr) SaveInnerBundleInfo(info *bundle.InnerBundleInfo) error {
	if info == nil || info.BundleName == "" {
		return bmsErrors.InvalidInput("bundle info without name")
	}

	m.mu.Lock()
	if _, ok := m.states[info.BundleName]; !ok {
		m.mu.Unlock()
		return bmsErrors.Conflict(fmt.Sprintf("bundle %s has no install state", info.BundleName))
	}
	m.bundles[info.BundleName] = info.Clone()
	m.mu.Unlock()

	return m.persist()
}

// RemoveInnerBundleInfo drops the record and its state.
func (m *DataMgr) RemoveInnerBundleInfo(name string) error {
	m.mu.Lock()
	delete(m.bundles, name)
	delete(m.states, name)
	m.mu.Unlock()
	return m.persist()
}

// GetAllBundles returns copies of every record, sorted by name.
func (m *DataMgr) GetAllBundles() []*bundle.InnerBundleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*bundle.InnerBundleInfo, 0, len(m.bundles))
	for _, info := range m.bundles {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BundleName < out[j].BundleName })
	return out
}

func (m *DataMgr) HasUserID(userID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID]
	return ok
}

func (m *DataMgr) AddUser(userID int) error {
	if userID < bundle.DefaultUserID {
		return bmsErrors.Code(bmsErrors.ErrInstallParamError, fmt.Sprintf("user id %d below %d", userID, bundle.DefaultUserID))
	}
	m.mu.Lock()
	m.users[userID] = struct{}{}
	m.mu.Unlock()
	return m.persist()
}

func (m *DataMgr) RemoveUser(userID int) error {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
	return m.persist()
}

func (m *DataMgr) GetUserIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userIDsLocked()
}

func (m *DataMgr) userIDsLocked() []int {
	ids := make([]int, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// GenerateUID returns the uid of key for userID. The app id part is stable
// per key and allocated smallest-free from BaseAppUID.
func (m *DataMgr) GenerateUID(key string, userID int) (int, error) {
	if key == "" {
		return bundle.InvalidUID, bmsErrors.InvalidInput("empty uid key")
	}

	m.mu.Lock()
	appID, ok := m.appIDs[key]
	if !ok {
		for candidate := bundle.BaseAppUID; candidate < bundle.BaseUserRange; candidate++ {
			if _, used := m.usedIDs[candidate]; !used {
				appID = candidate
				break
			}
		}
		if appID == 0 {
			m.mu.Unlock()
			return bundle.InvalidUID, bmsErrors.Internal("app id space exhausted")
		}
		m.appIDs[key] = appID
		m.usedIDs[appID] = key
	}
	m.mu.Unlock()

	if !ok {
		if err := m.persist(); err != nil {
			return bundle.InvalidUID, err
		}
	}
	return bundle.ComposeUID(userID, appID), nil
}

// RecycleUID releases the app id held by key.
func (m *DataMgr) RecycleUID(key string) {
	m.mu.Lock()
	appID, ok := m.appIDs[key]
	if ok {
		delete(m.appIDs, key)
		delete(m.usedIDs, appID)
	}
	m.mu.Unlock()

	if ok {
		if err := m.persist(); err != nil {
			slog.Error("Failed to persist recycled uid", "key", key, "error", err)
		}
	}
}

// GetBundleMutex returns the mutex serializing installer work on name.
func (m *DataMgr) GetBundleMutex(name string) *sync.Mutex {
	return m.locks.For(name)
}

// HasBundle reports whether name is installed and not being removed.
func (m *DataMgr) HasBundle(name string) bool {
	_, ok := m.GetInnerBundleInfo(name)
	return ok
}

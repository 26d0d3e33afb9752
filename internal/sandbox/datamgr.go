package sandbox

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/datamgr"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/store"
)

type sandboxSnapshot struct {
	Records map[string]*bundle.InnerBundleInfo `json:"records"`
}

// DataMgr is the registry of installed sandbox apps keyed by
// bundleName_appIndex. It owns the index allocator.
type DataMgr struct {
	mu        sync.RWMutex
	records   map[string]*bundle.InnerBundleInfo
	alloc     *IndexAllocator
	persister datamgr.Persister
	persistMu sync.Mutex
}

// NewDataMgr restores persisted records, and the indices they hold, when a
// persister is given.
func NewDataMgr(origins OriginChecker, maxIndex int, persister datamgr.Persister) (*DataMgr, error) {
	m := &DataMgr{
		records:   make(map[string]*bundle.InnerBundleInfo),
		alloc:     NewIndexAllocator(origins, maxIndex),
		persister: persister,
	}
	if persister == nil {
		return m, nil
	}

	var snap sandboxSnapshot
	found, err := persister.LoadSnapshot(store.SnapshotSandbox, &snap)
	if err != nil {
		return nil, fmt.Errorf("load sandbox snapshot: %w", err)
	}
	if found {
		for key, info := range snap.Records {
			if info == nil || !info.IsSandbox() {
				slog.Warn("Skipping malformed sandbox record", "key", key)
				continue
			}
			m.records[info.Key()] = info
			m.alloc.Restore(info.BundleName, info.AppIndex)
		}
		slog.Info("Sandbox records restored", "count", len(m.records))
	}
	return m, nil
}

func (m *DataMgr) MaxAppIndex() int {
	return m.alloc.MaxIndex()
}

func (m *DataMgr) persist() error {
	if m.persister == nil {
		return nil
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	snap := sandboxSnapshot{Records: make(map[string]*bundle.InnerBundleInfo, len(m.records))}
	for key, info := range m.records {
		snap.Records[key] = info.Clone()
	}
	m.mu.RUnlock()

	if err := m.persister.SaveSnapshot(store.SnapshotSandbox, snap); err != nil {
		return fmt.Errorf("save sandbox snapshot: %w", err)
	}
	return nil
}

func (m *DataMgr) GenerateSandboxAppIndex(bundleName string) int {
	return m.alloc.Generate(bundleName)
}

func (m *DataMgr) DeleteSandboxAppIndex(bundleName string, appIndex int) bool {
	return m.alloc.Delete(bundleName, appIndex)
}

// SaveSandboxAppInfo stores a copy of info under its bundle name and appIndex.
func (m *DataMgr) SaveSandboxAppInfo(info *bundle.InnerBundleInfo, appIndex int) error {
	if info == nil || info.BundleName == "" {
		return bmsErrors.InvalidInput("sandbox info without bundle name")
	}
	if appIndex <= bundle.InitialAppIndex {
		return bmsErrors.InvalidInput(fmt.Sprintf("sandbox app index %d", appIndex))
	}

	stored := info.Clone()
	stored.AppIndex = appIndex
	m.mu.Lock()
	m.records[stored.Key()] = stored
	m.mu.Unlock()

	slog.Debug("Sandbox record saved", "bundle", stored.BundleName, "app_index", appIndex)
	return m.persist()
}

// DeleteSandboxAppInfo drops a record. Deleting a missing record is not an
// error.
func (m *DataMgr) DeleteSandboxAppInfo(bundleName string, appIndex int) error {
	if bundleName == "" {
		return nil
	}
	key := bundle.SandboxKey(bundleName, appIndex)

	m.mu.Lock()
	_, ok := m.records[key]
	delete(m.records, key)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.persist()
}

func (m *DataMgr) validIndex(appIndex int) bool {
	return appIndex > bundle.InitialAppIndex && appIndex <= m.alloc.MaxIndex()
}

func (m *DataMgr) lookup(bundleName string, appIndex int) (*bundle.InnerBundleInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.records[bundle.SandboxKey(bundleName, appIndex)]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// GetSandboxAppInfo returns the record of (bundleName, appIndex) owned by
// userID.
func (m *DataMgr) GetSandboxAppInfo(bundleName string, appIndex, userID int) (*bundle.InnerBundleInfo, error) {
	if bundleName == "" || !m.validIndex(appIndex) || userID < bundle.DefaultUserID {
		return nil, bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError,
			fmt.Sprintf("get sandbox info %q index %d user %d", bundleName, appIndex, userID))
	}
	info, ok := m.lookup(bundleName, appIndex)
	if !ok {
		return nil, bmsErrors.Code(bmsErrors.ErrSandboxInstallNoSandboxAppInfo,
			fmt.Sprintf("no sandbox app %s", bundle.SandboxKey(bundleName, appIndex)))
	}
	if !info.HasInnerBundleUserInfo(userID) {
		return nil, bmsErrors.Code(bmsErrors.ErrSandboxInstallNotInstalledAtSpecifiedUserID,
			fmt.Sprintf("sandbox app %s not installed for user %d", info.Key(), userID))
	}
	return info, nil
}

// GetSandboxAppBundleInfo returns the query view of a sandbox app. Any user
// except AllUserID may ask; only the owner gets an answer.
func (m *DataMgr) GetSandboxAppBundleInfo(bundleName string, appIndex, userID int) (bundle.BundleInfo, error) {
	if bundleName == "" || !m.validIndex(appIndex) || userID == bundle.AllUserID {
		return bundle.BundleInfo{}, bmsErrors.Code(bmsErrors.ErrSandboxInstallParamError,
			fmt.Sprintf("get sandbox bundle info %q index %d user %d", bundleName, appIndex, userID))
	}
	info, ok := m.lookup(bundleName, appIndex)
	if !ok {
		return bundle.BundleInfo{}, bmsErrors.Code(bmsErrors.ErrSandboxInstallNoSandboxAppInfo,
			fmt.Sprintf("no sandbox app %s", bundle.SandboxKey(bundleName, appIndex)))
	}
	out, ok := info.ToBundleInfo(userID)
	if !ok {
		return bundle.BundleInfo{}, bmsErrors.Code(bmsErrors.ErrSandboxInstallNotInstalledAtSpecifiedUserID,
			fmt.Sprintf("sandbox app %s not installed for user %d", info.Key(), userID))
	}
	return out, nil
}

// GetSandboxHapModuleInfo finds moduleName inside a sandbox app.
func (m *DataMgr) GetSandboxHapModuleInfo(bundleName, moduleName string, appIndex, userID int) (bundle.HapModuleInfo, error) {
	if bundleName == "" || !m.validIndex(appIndex) {
		return bundle.HapModuleInfo{}, bmsErrors.Code(bmsErrors.ErrSandboxQueryParamError,
			fmt.Sprintf("get sandbox module %q index %d", bundleName, appIndex))
	}
	info, err := m.GetSandboxAppInfo(bundleName, appIndex, userID)
	if err != nil {
		return bundle.HapModuleInfo{}, err
	}
	module, ok := info.FindModule(moduleName)
	if !ok {
		return bundle.HapModuleInfo{}, bmsErrors.Code(bmsErrors.ErrSandboxQueryNoModuleInfo,
			fmt.Sprintf("sandbox app %s has no module %q", info.Key(), moduleName))
	}
	return module, nil
}

// GetInnerBundleInfoByUID finds the sandbox record holding uid.
func (m *DataMgr) GetInnerBundleInfoByUID(uid int) (*bundle.InnerBundleInfo, error) {
	if uid < 0 {
		return nil, bmsErrors.Code(bmsErrors.ErrSandboxQueryInvalidUID, fmt.Sprintf("uid %d", uid))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, info := range m.records {
		if info.HasUID(uid) {
			return info.Clone(), nil
		}
	}
	return nil, bmsErrors.Code(bmsErrors.ErrSandboxQueryInvalidUID, fmt.Sprintf("no sandbox app with uid %d", uid))
}

// GetSandboxAppInfoMap returns copies of every record keyed by
// bundleName_appIndex.
func (m *DataMgr) GetSandboxAppInfoMap() map[string]*bundle.InnerBundleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*bundle.InnerBundleInfo, len(m.records))
	for key, info := range m.records {
		out[key] = info.Clone()
	}
	return out
}

// ListByBundle returns the records of bundleName ordered by app index.
func (m *DataMgr) ListByBundle(bundleName string) []*bundle.InnerBundleInfo {
	m.mu.RLock()
	out := make([]*bundle.InnerBundleInfo, 0)
	for _, info := range m.records {
		if info.BundleName == bundleName {
			out = append(out, info.Clone())
		}
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out
}

// List returns every record ordered by bundle name then app index.
func (m *DataMgr) List() []*bundle.InnerBundleInfo {
	m.mu.RLock()
	out := make([]*bundle.InnerBundleInfo, 0, len(m.records))
	for _, info := range m.records {
		out = append(out, info.Clone())
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out
}

func sortRecords(records []*bundle.InnerBundleInfo) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].BundleName != records[j].BundleName {
			return records[i].BundleName < records[j].BundleName
		}
		return records[i].AppIndex < records[j].AppIndex
	})
}

package bundle

import (
	"fmt"
	"sort"
	"time"
)

// HapModuleInfo describes one module shipped by a bundle.
type HapModuleInfo struct {
	Name      string   `json:"name" yaml:"name"`
	Abilities []string `json:"abilities,omitempty" yaml:"abilities,omitempty"`
}

// InnerBundleUserInfo is the per-user part of an installed bundle.
type InnerBundleUserInfo struct {
	UserID      int       `json:"user_id"`
	UID         int       `json:"uid"`
	InstallTime time.Time `json:"install_time"`
}

// InnerBundleInfo is the full record kept by the data managers. Sandbox
// records are copies of their original with AppIndex > 0 and a single user.
type InnerBundleInfo struct {
	BundleName  string                      `json:"bundle_name"`
	VersionCode int                         `json:"version_code"`
	VersionName string                      `json:"version_name"`
	Removable   bool                        `json:"removable"`
	IsSystemApp bool                        `json:"is_system_app"`
	AppIndex    int                         `json:"app_index"`
	DLPType     int                         `json:"dlp_type"`
	InstallTime time.Time                   `json:"install_time"`
	Modules     []HapModuleInfo             `json:"modules"`
	UserInfos   map[int]InnerBundleUserInfo `json:"user_infos"`
}

// BundleInfo is the query view of one bundle for one user.
type BundleInfo struct {
	Name        string          `json:"name" yaml:"name"`
	VersionCode int             `json:"version_code" yaml:"version_code"`
	VersionName string          `json:"version_name" yaml:"version_name"`
	AppIndex    int             `json:"app_index" yaml:"app_index"`
	DLPType     int             `json:"dlp_type,omitempty" yaml:"dlp_type,omitempty"`
	UserID      int             `json:"user_id" yaml:"user_id"`
	UID         int             `json:"uid" yaml:"uid"`
	IsSystemApp bool            `json:"is_system_app" yaml:"is_system_app"`
	Removable   bool            `json:"removable" yaml:"removable"`
	InstallTime time.Time       `json:"install_time" yaml:"install_time"`
	Modules     []HapModuleInfo `json:"modules,omitempty" yaml:"modules,omitempty"`
}

// SandboxKey names the per-index data directory and uid slot of a record.
func SandboxKey(bundleName string, appIndex int) string {
	if appIndex == InitialAppIndex {
		return bundleName
	}
	return fmt.Sprintf("%s_%d", bundleName, appIndex)
}

func (b *InnerBundleInfo) Key() string {
	return SandboxKey(b.BundleName, b.AppIndex)
}

func (b *InnerBundleInfo) IsSandbox() bool {
	return b.AppIndex > InitialAppIndex
}

func (b *InnerBundleInfo) HasInnerBundleUserInfo(userID int) bool {
	_, ok := b.UserInfos[userID]
	return ok
}

func (b *InnerBundleInfo) GetInnerBundleUserInfo(userID int) (InnerBundleUserInfo, bool) {
	info, ok := b.UserInfos[userID]
	return info, ok
}

func (b *InnerBundleInfo) AddInnerBundleUserInfo(info InnerBundleUserInfo) {
	if b.UserInfos == nil {
		b.UserInfos = make(map[int]InnerBundleUserInfo)
	}
	b.UserInfos[info.UserID] = info
}

func (b *InnerBundleInfo) RemoveInnerBundleUserInfo(userID int) {
	delete(b.UserInfos, userID)
}

// UserIDs returns the users the bundle is installed for, ascending.
func (b *InnerBundleInfo) UserIDs() []int {
	ids := make([]int, 0, len(b.UserInfos))
	for id := range b.UserInfos {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// UIDs returns every per-user uid of the bundle, ascending.
func (b *InnerBundleInfo) UIDs() []int {
	uids := make([]int, 0, len(b.UserInfos))
	for _, u := range b.UserInfos {
		uids = append(uids, u.UID)
	}
	sort.Ints(uids)
	return uids
}

// HasUID reports whether any user of the bundle runs under uid.
func (b *InnerBundleInfo) HasUID(uid int) bool {
	for _, u := range b.UserInfos {
		if u.UID == uid {
			return true
		}
	}
	return false
}

// FindModule returns the module called name.
func (b *InnerBundleInfo) FindModule(name string) (HapModuleInfo, bool) {
	for _, m := range b.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return HapModuleInfo{}, false
}

// ToBundleInfo projects the record for userID. The second result is false when
// the bundle is not installed for that user.
func (b *InnerBundleInfo) ToBundleInfo(userID int) (BundleInfo, bool) {
	user, ok := b.UserInfos[userID]
	if !ok {
		return BundleInfo{}, false
	}
	modules := make([]HapModuleInfo, len(b.Modules))
	copy(modules, b.Modules)
	return BundleInfo{
		Name:        b.BundleName,
		VersionCode: b.VersionCode,
		VersionName: b.VersionName,
		AppIndex:    b.AppIndex,
		DLPType:     b.DLPType,
		UserID:      userID,
		UID:         user.UID,
		IsSystemApp: b.IsSystemApp,
		Removable:   b.Removable,
		InstallTime: user.InstallTime,
		Modules:     modules,
	}, true
}

// Clone returns a deep copy.
func (b *InnerBundleInfo) Clone() *InnerBundleInfo {
	if b == nil {
		return nil
	}
	c := *b
	c.Modules = make([]HapModuleInfo, len(b.Modules))
	for i, m := range b.Modules {
		c.Modules[i] = HapModuleInfo{Name: m.Name, Abilities: append([]string(nil), m.Abilities...)}
	}
	c.UserInfos = make(map[int]InnerBundleUserInfo, len(b.UserInfos))
	for k, v := range b.UserInfos {
		c.UserInfos[k] = v
	}
	return &c
}

package sandbox

import (
	"log/slog"

	"github.com/harunnryd/bms/internal/bundle"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
)

var errNoDataMgr = bmsErrors.Code(bmsErrors.ErrSandboxInstallInternalError, "sandbox data manager unavailable")

// Helper fronts an optional sandbox DataMgr. Without one, writes are dropped,
// queries fail with ErrSandboxInstallInternalError and allocation yields 0.
type Helper struct {
	mgr *DataMgr
}

func NewHelper(mgr *DataMgr) *Helper {
	return &Helper{mgr: mgr}
}

// DataMgr returns the wrapped registry or ErrSandboxInstallInternalError.
func (h *Helper) DataMgr() (*DataMgr, error) {
	if h == nil || h.mgr == nil {
		return nil, errNoDataMgr
	}
	return h.mgr, nil
}

func (h *Helper) SaveSandboxAppInfo(info *bundle.InnerBundleInfo, appIndex int) {
	mgr, err := h.DataMgr()
	if err != nil {
		return
	}
	if err := mgr.SaveSandboxAppInfo(info, appIndex); err != nil {
		slog.Error("Failed to save sandbox record", "app_index", appIndex, "error", err)
	}
}

func (h *Helper) DeleteSandboxAppInfo(bundleName string, appIndex int) {
	mgr, err := h.DataMgr()
	if err != nil {
		return
	}
	if err := mgr.DeleteSandboxAppInfo(bundleName, appIndex); err != nil {
		slog.Error("Failed to delete sandbox record", "bundle", bundleName, "app_index", appIndex, "error", err)
	}
}

func (h *Helper) GenerateSandboxAppIndex(bundleName string) int {
	mgr, err := h.DataMgr()
	if err != nil {
		return bundle.InitialAppIndex
	}
	return mgr.GenerateSandboxAppIndex(bundleName)
}

func (h *Helper) DeleteSandboxAppIndex(bundleName string, appIndex int) bool {
	mgr, err := h.DataMgr()
	if err != nil {
		return false
	}
	return mgr.DeleteSandboxAppIndex(bundleName, appIndex)
}

func (h *Helper) GetSandboxAppInfo(bundleName string, appIndex, userID int) (*bundle.InnerBundleInfo, error) {
	mgr, err := h.DataMgr()
	if err != nil {
		return nil, err
	}
	return mgr.GetSandboxAppInfo(bundleName, appIndex, userID)
}

func (h *Helper) GetSandboxAppBundleInfo(bundleName string, appIndex, userID int) (bundle.BundleInfo, error) {
	mgr, err := h.DataMgr()
	if err != nil {
		return bundle.BundleInfo{}, err
	}
	return mgr.GetSandboxAppBundleInfo(bundleName, appIndex, userID)
}

func (h *Helper) GetSandboxHapModuleInfo(bundleName, moduleName string, appIndex, userID int) (bundle.HapModuleInfo, error) {
	mgr, err := h.DataMgr()
	if err != nil {
		return bundle.HapModuleInfo{}, err
	}
	return mgr.GetSandboxHapModuleInfo(bundleName, moduleName, appIndex, userID)
}

func (h *Helper) GetInnerBundleInfoByUID(uid int) (*bundle.InnerBundleInfo, error) {
	mgr, err := h.DataMgr()
	if err != nil {
		return nil, err
	}
	return mgr.GetInnerBundleInfoByUID(uid)
}

// GetSandboxAppInfoMap returns an empty map when no registry is attached.
func (h *Helper) GetSandboxAppInfoMap() map[string]*bundle.InnerBundleInfo {
	mgr, err := h.DataMgr()
	if err != nil {
		return map[string]*bundle.InnerBundleInfo{}
	}
	return mgr.GetSandboxAppInfoMap()
}

func (h *Helper) List() []*bundle.InnerBundleInfo {
	mgr, err := h.DataMgr()
	if err != nil {
		return nil
	}
	return mgr.List()
}

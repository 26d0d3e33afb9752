package aging

import (
	"sort"
	"time"
)

// AgingBundleInfo is one eviction candidate: a bundle installed for one user.
type AgingBundleInfo struct {
	BundleName       string    `json:"bundle_name" yaml:"bundle_name"`
	UID              int       `json:"uid" yaml:"uid"`
	UserID           int       `json:"user_id" yaml:"user_id"`
	DataBytes        int64     `json:"data_bytes" yaml:"data_bytes"`
	RecentlyUsedTime time.Time `json:"recently_used_time" yaml:"recently_used_time"`
}

// SkippedBundle is a candidate a handler dropped without evicting it.
type SkippedBundle struct {
	AgingBundleInfo `yaml:",inline"`
	Handler         string `json:"handler" yaml:"handler"`
	Reason          string `json:"reason" yaml:"reason"`
}

// AgingRequest is the work queue of one aging cycle. Handlers consume
// candidates from the front.
type AgingRequest struct {
	bundles                 []AgingBundleInfo
	totalDataBytes          int64
	totalDataBytesThreshold int64
	endRatio                float64

	evicted []AgingBundleInfo
	skipped []SkippedBundle
}

func NewAgingRequest(threshold int64, endRatio float64) *AgingRequest {
	return &AgingRequest{
		totalDataBytesThreshold: threshold,
		endRatio:                endRatio,
	}
}

func (r *AgingRequest) AddAgingBundle(b AgingBundleInfo) {
	r.bundles = append(r.bundles, b)
}

// Bundles returns a copy of the pending candidates.
func (r *AgingRequest) Bundles() []AgingBundleInfo {
	out := make([]AgingBundleInfo, len(r.bundles))
	copy(out, r.bundles)
	return out
}

func (r *AgingRequest) Len() int {
	return len(r.bundles)
}

// Front returns the next candidate. It must not be called on an empty queue.
func (r *AgingRequest) Front() AgingBundleInfo {
	return r.bundles[0]
}

func (r *AgingRequest) PopFront() {
	if len(r.bundles) == 0 {
		return
	}
	r.bundles = r.bundles[1:]
}

// SortByRecentlyUsed orders candidates least recently used first.
func (r *AgingRequest) SortByRecentlyUsed() {
	sort.SliceStable(r.bundles, func(i, j int) bool {
		return r.bundles[i].RecentlyUsedTime.Before(r.bundles[j].RecentlyUsedTime)
	})
}

// SortByDataBytes orders candidates largest first.
func (r *AgingRequest) SortByDataBytes() {
	sort.SliceStable(r.bundles, func(i, j int) bool {
		return r.bundles[i].DataBytes > r.bundles[j].DataBytes
	})
}

func (r *AgingRequest) TotalDataBytes() int64 {
	return r.totalDataBytes
}

func (r *AgingRequest) SetTotalDataBytes(n int64) {
	r.totalDataBytes = n
}

func (r *AgingRequest) TotalDataBytesThreshold() int64 {
	return r.totalDataBytesThreshold
}

// EndDataBytes is the total below which a cycle stops evicting.
func (r *AgingRequest) EndDataBytes() int64 {
	return int64(float64(r.totalDataBytesThreshold) * r.endRatio)
}

func (r *AgingRequest) UpdateTotalDataBytesAfterUninstalled(b AgingBundleInfo) {
	r.totalDataBytes -= b.DataBytes
	if r.totalDataBytes < 0 {
		r.totalDataBytes = 0
	}
}

func (r *AgingRequest) IsReachStartAgingThreshold() bool {
	return r.totalDataBytes > r.totalDataBytesThreshold
}

func (r *AgingRequest) IsReachEndAgingThreshold() bool {
	return float64(r.totalDataBytes) < float64(r.totalDataBytesThreshold)*r.endRatio
}

// Reset empties the queue and the totals.
func (r *AgingRequest) Reset() {
	r.bundles = nil
	r.totalDataBytes = 0
	r.evicted = nil
	r.skipped = nil
}

func (r *AgingRequest) markEvicted(b AgingBundleInfo) {
	r.evicted = append(r.evicted, b)
}

func (r *AgingRequest) markSkipped(b AgingBundleInfo, handler, reason string) {
	r.skipped = append(r.skipped, SkippedBundle{AgingBundleInfo: b, Handler: handler, Reason: reason})
}

// Evicted lists candidates uninstalled so far in this cycle.
func (r *AgingRequest) Evicted() []AgingBundleInfo {
	out := make([]AgingBundleInfo, len(r.evicted))
	copy(out, r.evicted)
	return out
}

func (r *AgingRequest) Skipped() []SkippedBundle {
	out := make([]SkippedBundle, len(r.skipped))
	copy(out, r.skipped)
	return out
}

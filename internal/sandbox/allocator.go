package sandbox

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/harunnryd/bms/internal/bundle"
)

// OriginChecker reports whether the original (index 0) bundle is installed
// and usable.
type OriginChecker interface {
	HasBundle(name string) bool
}

// IndexAllocator hands out per-bundle app indices in [1, maxIndex].
type IndexAllocator struct {
	mu       sync.Mutex
	indices  map[string]map[int]struct{}
	maxIndex int
	origins  OriginChecker
}

func NewIndexAllocator(origins OriginChecker, maxIndex int) *IndexAllocator {
	if maxIndex <= 0 {
		maxIndex = bundle.MaxAppIndex
	}
	return &IndexAllocator{
		indices:  make(map[string]map[int]struct{}),
		maxIndex: maxIndex,
		origins:  origins,
	}
}

func (a *IndexAllocator) MaxIndex() int {
	return a.maxIndex
}

// Generate allocates the smallest free index for bundleName. It returns 0 when
// the name is empty, the original bundle is missing or every index is taken.
func (a *IndexAllocator) Generate(bundleName string) int {
	if bundleName == "" {
		return bundle.InitialAppIndex
	}
	if a.origins == nil || !a.origins.HasBundle(bundleName) {
		slog.Warn("Cannot allocate sandbox index without original bundle", "bundle", bundleName)
		return bundle.InitialAppIndex
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	used := a.indices[bundleName]
	if used == nil {
		used = make(map[int]struct{})
		a.indices[bundleName] = used
	}
	for idx := 1; idx <= a.maxIndex; idx++ {
		if _, taken := used[idx]; !taken {
			used[idx] = struct{}{}
			return idx
		}
	}
	slog.Error("Sandbox index space exhausted", "bundle", bundleName, "max", a.maxIndex)
	return bundle.InitialAppIndex
}

// Delete frees an allocated index. It returns false when the pair was not
// allocated, so repeated deletes are harmless.
func (a *IndexAllocator) Delete(bundleName string, appIndex int) bool {
	if bundleName == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	used, ok := a.indices[bundleName]
	if !ok {
		return false
	}
	if _, ok := used[appIndex]; !ok {
		return false
	}
	delete(used, appIndex)
	if len(used) == 0 {
		delete(a.indices, bundleName)
	}
	return true
}

// Restore marks indices as allocated, used when reloading persisted records.
func (a *IndexAllocator) Restore(bundleName string, indices ...int) {
	if bundleName == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	used := a.indices[bundleName]
	if used == nil {
		used = make(map[int]struct{})
		a.indices[bundleName] = used
	}
	for _, idx := range indices {
		if idx > bundle.InitialAppIndex && idx <= a.maxIndex {
			used[idx] = struct{}{}
		}
	}
}

// Allocated returns the allocated indices of bundleName, ascending.
func (a *IndexAllocator) Allocated(bundleName string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.indices[bundleName]))
	for idx := range a.indices[bundleName] {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

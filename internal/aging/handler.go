package aging

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/bms/internal/config"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installer"
	"github.com/harunnryd/bms/internal/logger"
	"github.com/harunnryd/bms/internal/process"
)

// Uninstaller removes one bundle for one user. *installer.Installer
// implements it.
type Uninstaller interface {
	Uninstall(ctx context.Context, bundleName string, param installer.InstallParam, receiver installer.StatusReceiver) error
}

// Handler is one eviction policy of the chain.
//
// Process walks the request from the front while CheckBundle accepts the
// candidate, evicting those that are not running. It returns false once the
// end threshold is reached, telling the chain to stop.
type Handler interface {
	Name() string
	Process(ctx context.Context, req *AgingRequest) bool
	CheckBundle(b AgingBundleInfo) bool
	Sort(req *AgingRequest)
}

// policy holds what every handler shares.
type policy struct {
	name        string
	eager       bool
	checker     process.Checker
	uninstaller Uninstaller
}

func (p *policy) Name() string {
	return p.name
}

func (p *policy) run(ctx context.Context, h Handler, req *AgingRequest) bool {
	log := logger.FromContext(ctx).With("handler", p.name)

	if req.IsReachEndAgingThreshold() {
		return false
	}
	for req.Len() > 0 {
		if err := ctx.Err(); err != nil {
			log.Warn("Aging handler interrupted", "error", err)
			break
		}
		candidate := req.Front()
		if !h.CheckBundle(candidate) {
			break
		}
		p.evict(ctx, req, candidate)
		req.PopFront()

		if p.eager && req.IsReachEndAgingThreshold() {
			log.Info("End threshold reached", "total_bytes", req.TotalDataBytes())
			return false
		}
	}
	return !req.IsReachEndAgingThreshold()
}

func (p *policy) evict(ctx context.Context, req *AgingRequest, b AgingBundleInfo) {
	log := logger.FromContext(logger.WithBundle(ctx, b.BundleName)).With("handler", p.name)

	state := process.NotRunning
	if p.checker != nil {
		var err error
		state, err = p.checker.IsRunning(ctx, b.BundleName, b.UID)
		if err != nil {
			log.Warn("Process check failed", "uid", b.UID, "error", err)
		}
	}
	if state != process.NotRunning {
		req.markSkipped(b, p.name, state.String())
		return
	}

	rr := installer.NewResultReceiver()
	param := installer.InstallParam{
		UserID:           b.UserID,
		InstallFlag:      installer.InstallFlagNormal,
		IsAgingUninstall: true,
	}
	if err := p.uninstaller.Uninstall(ctx, b.BundleName, param, rr); err != nil {
		log.Warn("Aging uninstall failed", "user_id", b.UserID, "error", err)
	}
	res, err := rr.Wait(ctx)
	if err != nil || res.Code != bmsErrors.ErrOK {
		req.markSkipped(b, p.name, res.Code.String())
		return
	}

	req.UpdateTotalDataBytesAfterUninstalled(b)
	req.markEvicted(b)
	log.Info("Bundle evicted", "user_id", b.UserID, "data_bytes", b.DataBytes, "total_bytes", req.TotalDataBytes())
}

// RecentlyUnusedHandler evicts bundles not launched for at least UnusedFor,
// least recently used first.
type RecentlyUnusedHandler struct {
	policy
	unusedFor time.Duration
	now       func() time.Time
}

func NewRecentlyUnusedHandler(name string, unusedFor time.Duration, eager bool, checker process.Checker, uninstaller Uninstaller) *RecentlyUnusedHandler {
	return &RecentlyUnusedHandler{
		policy:    policy{name: name, eager: eager, checker: checker, uninstaller: uninstaller},
		unusedFor: unusedFor,
		now:       time.Now,
	}
}

func (h *RecentlyUnusedHandler) CheckBundle(b AgingBundleInfo) bool {
	return h.now().Sub(b.RecentlyUsedTime) >= h.unusedFor
}

func (h *RecentlyUnusedHandler) Sort(req *AgingRequest) {
	req.SortByRecentlyUsed()
}

func (h *RecentlyUnusedHandler) Process(ctx context.Context, req *AgingRequest) bool {
	return h.run(ctx, h, req)
}

// DataSizeHandler evicts bundles holding at least MinDataBytes, largest first.
type DataSizeHandler struct {
	policy
	minDataBytes int64
}

func NewDataSizeHandler(name string, minDataBytes int64, eager bool, checker process.Checker, uninstaller Uninstaller) *DataSizeHandler {
	return &DataSizeHandler{
		policy:       policy{name: name, eager: eager, checker: checker, uninstaller: uninstaller},
		minDataBytes: minDataBytes,
	}
}

func (h *DataSizeHandler) CheckBundle(b AgingBundleInfo) bool {
	return b.DataBytes >= h.minDataBytes
}

func (h *DataSizeHandler) Sort(req *AgingRequest) {
	req.SortByDataBytes()
}

func (h *DataSizeHandler) Process(ctx context.Context, req *AgingRequest) bool {
	return h.run(ctx, h, req)
}

// BuildHandlers turns the configured policies into handlers, in order.
func BuildHandlers(cfgs []config.AgingHandlerConfig, checker process.Checker, uninstaller Uninstaller) ([]Handler, error) {
	if uninstaller == nil {
		return nil, fmt.Errorf("aging handlers need an uninstaller")
	}
	handlers := make([]Handler, 0, len(cfgs))
	for i, c := range cfgs {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("handler_%d", i)
		}
		switch c.Kind {
		case config.AgingHandlerKindUnused, "":
			d, err := config.DurationOrDefault(c.UnusedFor, "")
			if err != nil {
				return nil, fmt.Errorf("aging handler %s unused_for: %w", name, err)
			}
			handlers = append(handlers, NewRecentlyUnusedHandler(name, d, c.EagerThresholdCheck, checker, uninstaller))
		case config.AgingHandlerKindDataSize:
			n, err := config.ByteSizeOrDefault(c.MinDataBytes, "0")
			if err != nil {
				return nil, fmt.Errorf("aging handler %s min_data_bytes: %w", name, err)
			}
			handlers = append(handlers, NewDataSizeHandler(name, n, c.EagerThresholdCheck, checker, uninstaller))
		default:
			return nil, fmt.Errorf("aging handler %s: unknown kind %q", name, c.Kind)
		}
	}
	return handlers, nil
}

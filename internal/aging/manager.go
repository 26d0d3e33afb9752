package aging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/logger"
	"github.com/harunnryd/bms/internal/process"

	"github.com/oklog/ulid/v2"
)

// Chain runs handlers in order until one reports the budget is satisfied.
type Chain struct {
	handlers []Handler
}

func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

func (c *Chain) Handlers() []Handler {
	return c.handlers
}

// Process sorts the request for each handler before running it and returns
// whether the end threshold was reached.
func (c *Chain) Process(ctx context.Context, req *AgingRequest) bool {
	for _, h := range c.handlers {
		if req.Len() == 0 {
			break
		}
		h.Sort(req)
		if !h.Process(ctx, req) {
			return true
		}
	}
	return req.IsReachEndAgingThreshold()
}

// BundleSource lists installed originals. *datamgr.DataMgr implements it.
type BundleSource interface {
	GetAllBundles() []*bundle.InnerBundleInfo
	GetBundleInstallState(name string) (bundle.InstallState, bool)
}

// StatsSource measures a bundle's data. installd.Client implements it.
type StatsSource interface {
	GetBundleStats(ctx context.Context, key string, userID int) (int64, error)
}

// UsageSource answers when a bundle was last launched.
type UsageSource interface {
	RecentlyUsedTime(ctx context.Context, bundleName string, userID int) (time.Time, bool, error)
}

// CooldownGate reports whether key is cooling down and otherwise starts a
// window of ttl. *store.Worker implements it.
type CooldownGate interface {
	CheckAndMarkCooldown(key string, ttl time.Duration) bool
}

// CooldownFunc adapts a plain function to CooldownGate.
type CooldownFunc func(key string, ttl time.Duration) bool

func (f CooldownFunc) CheckAndMarkCooldown(key string, ttl time.Duration) bool {
	return f(key, ttl)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Bundles     BundleSource
	Stats       StatsSource
	Usage       UsageSource
	Checker     process.Checker
	Uninstaller Uninstaller
	Cooldowns   CooldownGate
	Events      bundle.EventSink
}

// Report describes one aging cycle.
type Report struct {
	RunID       string            `json:"run_id" yaml:"run_id"`
	Trigger     string            `json:"trigger" yaml:"trigger"`
	StartedAt   time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time         `json:"finished_at" yaml:"finished_at"`
	Ran         bool              `json:"ran" yaml:"ran"`
	Reason      string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Threshold   int64             `json:"threshold" yaml:"threshold"`
	EndBytes    int64             `json:"end_bytes" yaml:"end_bytes"`
	BytesBefore int64             `json:"bytes_before" yaml:"bytes_before"`
	BytesAfter  int64             `json:"bytes_after" yaml:"bytes_after"`
	Reached     bool              `json:"reached" yaml:"reached"`
	Evicted     []AgingBundleInfo `json:"evicted" yaml:"evicted"`
	Skipped     []SkippedBundle   `json:"skipped" yaml:"skipped"`
}

// Plan is what a cycle would start from, without evicting anything.
type Plan struct {
	TotalDataBytes int64             `json:"total_data_bytes" yaml:"total_data_bytes"`
	Threshold      int64             `json:"threshold" yaml:"threshold"`
	EndBytes       int64             `json:"end_bytes" yaml:"end_bytes"`
	StartReached   bool              `json:"start_reached" yaml:"start_reached"`
	Handlers       []string          `json:"handlers" yaml:"handlers"`
	Candidates     []AgingBundleInfo `json:"candidates" yaml:"candidates"`
}

// Reasons a cycle did not evict.
const (
	ReasonBelowThreshold = "below_threshold"
	ReasonCooldown       = "cooldown"
	ReasonNoCandidates   = "no_candidates"
)

const cooldownKeyPrefix = "aging:"

// Manager collects candidates and runs the handler chain.
type Manager struct {
	deps      Deps
	chain     *Chain
	threshold int64
	endRatio  float64
	cooldown  time.Duration

	running sync.Mutex
	mu      sync.RWMutex
	last    *Report
	now     func() time.Time
}

func NewManager(cfg config.AgingConfig, deps Deps) (*Manager, error) {
	if deps.Bundles == nil || deps.Stats == nil {
		return nil, fmt.Errorf("aging manager needs a bundle source and a stats source")
	}
	threshold, err := config.ByteSizeOrDefault(cfg.TotalDataBytesThreshold, config.DefaultAgingTotalDataBytesThreshold)
	if err != nil {
		return nil, fmt.Errorf("parse aging threshold: %w", err)
	}
	cooldown, err := config.DurationOrDefault(cfg.Cooldown, config.DefaultAgingCooldown)
	if err != nil {
		return nil, fmt.Errorf("parse aging cooldown: %w", err)
	}
	endRatio := cfg.EndRatio
	if endRatio <= 0 || endRatio > 1 {
		endRatio = config.DefaultAgingEndRatio
	}
	handlerCfgs := cfg.Handlers
	if len(handlerCfgs) == 0 {
		handlerCfgs = config.DefaultAgingHandlers()
	}
	handlers, err := BuildHandlers(handlerCfgs, deps.Checker, deps.Uninstaller)
	if err != nil {
		return nil, err
	}
	if deps.Events == nil {
		deps.Events = bundle.NopEventSink{}
	}

	m := &Manager{
		deps:      deps,
		chain:     NewChain(handlers...),
		threshold: threshold,
		endRatio:  endRatio,
		cooldown:  cooldown,
		now:       time.Now,
	}
	slog.Debug("Aging manager configured", "threshold", threshold, "end_ratio", endRatio,
		"cooldown", cooldown, "handlers", len(handlers))
	return m, nil
}

// InitAgingRequest queues the removable, non-system originals as candidates,
// one per installed user. The request total is the data those candidates
// hold, the bytes an aging cycle could reclaim.
func (m *Manager) InitAgingRequest(ctx context.Context) (*AgingRequest, error) {
	log := logger.FromContext(ctx)
	req := NewAgingRequest(m.threshold, m.endRatio)

	var total int64
	for _, info := range m.deps.Bundles.GetAllBundles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if info.IsSandbox() {
			continue
		}
		state, ok := m.deps.Bundles.GetBundleInstallState(info.BundleName)
		if !ok || state == bundle.InstallStart || state.IsDisableState() ||
			!info.Removable || info.IsSystemApp {
			continue
		}

		for _, userID := range info.UserIDs() {
			user, _ := info.GetInnerBundleUserInfo(userID)
			size, err := m.deps.Stats.GetBundleStats(ctx, info.BundleName, userID)
			if err != nil {
				log.Warn("Failed to measure bundle data", "bundle", info.BundleName, "user_id", userID, "error", err)
				size = 0
			}
			total += size

			recent := user.InstallTime
			if m.deps.Usage != nil {
				last, found, err := m.deps.Usage.RecentlyUsedTime(ctx, info.BundleName, userID)
				if err != nil {
					log.Warn("Failed to read usage statistics", "bundle", info.BundleName, "error", err)
				} else if found {
					recent = last
				}
			}
			req.AddAgingBundle(AgingBundleInfo{
				BundleName:       info.BundleName,
				UID:              user.UID,
				UserID:           userID,
				DataBytes:        size,
				RecentlyUsedTime: recent,
			})
		}
	}
	req.SetTotalDataBytes(total)
	return req, nil
}

// Start runs one aging cycle for trigger. Only one cycle runs at a time.
func (m *Manager) Start(ctx context.Context, trigger string) (*Report, error) {
	if !m.running.TryLock() {
		return nil, bmsErrors.Conflict("aging cycle already running")
	}
	defer m.running.Unlock()

	if trigger == "" {
		trigger = "manual"
	}
	report := &Report{
		RunID:     ulid.Make().String(),
		Trigger:   trigger,
		StartedAt: m.now(),
		Threshold: m.threshold,
	}
	ctx = logger.WithTraceID(ctx, report.RunID)
	log := logger.FromContext(ctx)

	req, err := m.InitAgingRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect aging candidates: %w", err)
	}
	report.EndBytes = req.EndDataBytes()
	report.BytesBefore = req.TotalDataBytes()
	report.BytesAfter = req.TotalDataBytes()

	switch {
	case !req.IsReachStartAgingThreshold():
		report.Reason = ReasonBelowThreshold
	case m.deps.Cooldowns != nil && m.deps.Cooldowns.CheckAndMarkCooldown(cooldownKeyPrefix+trigger, m.cooldown):
		report.Reason = ReasonCooldown
	case req.Len() == 0:
		report.Reason = ReasonNoCandidates
	default:
		log.Info("Aging cycle started", "trigger", trigger, "total_bytes", req.TotalDataBytes(),
			"threshold", m.threshold, "candidates", req.Len())
		report.Ran = true
		report.Reached = m.chain.Process(ctx, req)
		report.BytesAfter = req.TotalDataBytes()
		report.Evicted = req.Evicted()
		report.Skipped = req.Skipped()
	}
	report.FinishedAt = m.now()

	if report.Ran {
		log.Info("Aging cycle finished", "evicted", len(report.Evicted), "skipped", len(report.Skipped),
			"bytes_after", report.BytesAfter, "reached", report.Reached)
		ev := bundle.NewEvent(bundle.EventAgingRun, "", 0)
		ev.Message = fmt.Sprintf("run %s trigger %s evicted %d bytes %d->%d",
			report.RunID, trigger, len(report.Evicted), report.BytesBefore, report.BytesAfter)
		if err := m.deps.Events.AppendEvent(ev); err != nil {
			log.Warn("Failed to journal aging event", "error", err)
		}
	} else {
		log.Debug("Aging cycle skipped", "trigger", trigger, "reason", report.Reason, "total_bytes", report.BytesBefore)
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report, nil
}

// Plan reports the candidates of a cycle without evicting.
func (m *Manager) Plan(ctx context.Context) (*Plan, error) {
	req, err := m.InitAgingRequest(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.chain.Handlers()))
	for _, h := range m.chain.Handlers() {
		names = append(names, h.Name())
	}
	req.SortByRecentlyUsed()
	return &Plan{
		TotalDataBytes: req.TotalDataBytes(),
		Threshold:      m.threshold,
		EndBytes:       req.EndDataBytes(),
		StartReached:   req.IsReachStartAgingThreshold(),
		Handlers:       names,
		Candidates:     req.Bundles(),
	}, nil
}

// LastReport returns the latest cycle report, nil before the first one.
func (m *Manager) LastReport() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

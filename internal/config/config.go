package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/bms/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Installd InstalldConfig `koanf:"installd"`
	Sandbox  SandboxConfig  `koanf:"sandbox"`
	Users    UsersConfig    `koanf:"users"`
	Aging    AgingConfig    `koanf:"aging"`
	Usage    UsageConfig    `koanf:"usage"`
	Runner   RunnerConfig   `koanf:"runner"`
	Daemon   DaemonConfig   `koanf:"daemon"`
}

type ServerConfig struct {
	// Host is the listen address; empty binds every interface.
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	DataPath            string `koanf:"data_path"`
	LockTimeout         string `koanf:"lock_timeout"`
	LockRetry           string `koanf:"lock_retry"`
	LockMaxRetry        int    `koanf:"lock_max_retry"`
	InboxSize           int    `koanf:"inbox_size"`
	EventRotateMaxBytes int64  `koanf:"event_rotate_max_bytes"`
}

type InstalldConfig struct {
	RootPath string `koanf:"root_path"`
	DirMode  uint32 `koanf:"dir_mode"`
}

type SandboxConfig struct {
	MaxAppIndex int `koanf:"max_app_index"`
}

type UsersConfig struct {
	IDs []int `koanf:"ids"`
}

type AgingConfig struct {
	Enabled                 bool                 `koanf:"enabled"`
	Schedule                string               `koanf:"schedule"`
	ShutdownTimeout         string               `koanf:"shutdown_timeout"`
	TotalDataBytesThreshold string               `koanf:"total_data_bytes_threshold"`
	EndRatio                float64              `koanf:"end_ratio"`
	Cooldown                string               `koanf:"cooldown"`
	ProcessCheckCommand     string               `koanf:"process_check_command"`
	Handlers                []AgingHandlerConfig `koanf:"handlers"`
}

// AgingHandlerConfig describes one policy in the aging chain. Kind is
// "unused" (UnusedFor applies) or "data_size" (MinDataBytes applies).
type AgingHandlerConfig struct {
	Name                string `koanf:"name"`
	Kind                string `koanf:"kind"`
	UnusedFor           string `koanf:"unused_for"`
	MinDataBytes        string `koanf:"min_data_bytes"`
	EagerThresholdCheck bool   `koanf:"eager_threshold_check"`
}

type UsageConfig struct {
	DBPath string `koanf:"db_path"`
}

type RunnerConfig struct {
	QueueSize       int    `koanf:"queue_size"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
}

const (
	AgingHandlerKindUnused   = "unused"
	AgingHandlerKindDataSize = "data_size"
)

const (
	DefaultServerPort                   = 8080
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "10s"
	DefaultServerWriteTimeout           = "30s"
	DefaultServerIdleTimeout            = "60s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultStoreLockTimeout             = "30s"
	DefaultStoreLockRetry               = "100ms"
	DefaultStoreLockMaxRetry            = 300
	DefaultStoreInboxSize               = 100
	DefaultStoreEventRotateMaxBytes     = 10 * 1024 * 1024
	DefaultInstalldDirMode              = 0o750
	DefaultSandboxMaxAppIndex           = 100
	DefaultUserID                       = 100
	DefaultAgingEnabled                 = true
	DefaultAgingSchedule                = "@every 1h"
	DefaultAgingShutdownTimeout         = "30s"
	DefaultAgingTotalDataBytesThreshold = "1GiB"
	DefaultAgingEndRatio                = 0.8
	DefaultAgingCooldown                = "10m"
	DefaultRunnerQueueSize              = 64
	DefaultRunnerShutdownTimeout        = "30s"
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonPreflightTimeout       = "10s"
	DefaultDaemonStaleLockTTL           = "15m"
)

// DefaultAgingHandlers is the policy chain used when the config file does not
// declare one. Order matters: the first handler that satisfies the budget stops
// the chain.
func DefaultAgingHandlers() []AgingHandlerConfig {
	return []AgingHandlerConfig{
		{Name: "UNUSED_FOR_30_DAYS_BUNDLE_AGING_HANDLER", Kind: AgingHandlerKindUnused, UnusedFor: "30d"},
		{Name: "UNUSED_FOR_20_DAYS_BUNDLE_AGING_HANDLER", Kind: AgingHandlerKindUnused, UnusedFor: "20d"},
		{Name: "UNUSED_FOR_10_DAYS_BUNDLE_AGING_HANDLER", Kind: AgingHandlerKindUnused, UnusedFor: "10d", EagerThresholdCheck: true},
		{Name: "BUNDLE_DATA_SIZE_AGING_HANDLER", Kind: AgingHandlerKindDataSize, MinDataBytes: "0", EagerThresholdCheck: true},
	}
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]any{
		"server.host":                      "",
		"server.port":                      DefaultServerPort,
		"server.log_level":                 DefaultServerLogLevel,
		"server.read_timeout":              DefaultServerReadTimeout,
		"server.write_timeout":             DefaultServerWriteTimeout,
		"server.idle_timeout":              DefaultServerIdleTimeout,
		"server.shutdown_timeout":          DefaultServerShutdownTimeout,
		"store.data_path":                  filepath.Join(os.Getenv("HOME"), ".bms", "data"),
		"store.lock_timeout":               DefaultStoreLockTimeout,
		"store.lock_retry":                 DefaultStoreLockRetry,
		"store.lock_max_retry":             DefaultStoreLockMaxRetry,
		"store.inbox_size":                 DefaultStoreInboxSize,
		"store.event_rotate_max_bytes":     DefaultStoreEventRotateMaxBytes,
		"installd.root_path":               "",
		"installd.dir_mode":                DefaultInstalldDirMode,
		"sandbox.max_app_index":            DefaultSandboxMaxAppIndex,
		"users.ids":                        []int{DefaultUserID},
		"aging.enabled":                    DefaultAgingEnabled,
		"aging.schedule":                   DefaultAgingSchedule,
		"aging.shutdown_timeout":           DefaultAgingShutdownTimeout,
		"aging.total_data_bytes_threshold": DefaultAgingTotalDataBytesThreshold,
		"aging.end_ratio":                  DefaultAgingEndRatio,
		"aging.cooldown":                   DefaultAgingCooldown,
		"aging.process_check_command":      "",
		"aging.handlers":                   DefaultAgingHandlers(),
		"usage.db_path":                    "",
		"runner.queue_size":                DefaultRunnerQueueSize,
		"runner.shutdown_timeout":          DefaultRunnerShutdownTimeout,
		"daemon.shutdown_timeout":          DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":     DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":  DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":         DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":            DefaultDaemonStaleLockTTL,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".bms", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	// BMS_AGING_END_RATIO -> aging.end_ratio: only the first underscore
	// separates the section, since section names never contain one.
	if err := k.Load(env.Provider("BMS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "BMS_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("read BMS_ environment: %w", err)
	}

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, h := range cfg.Aging.Handlers {
		if h.Kind == "" {
			cfg.Aging.Handlers[i].Kind = AgingHandlerKindUnused
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// normalizePathFields expands ~ and $VARS in every path setting. Paths left
// empty under installd and usage default to locations inside data_path.
func normalizePathFields(cfg *Config) error {
	var err error
	if cfg.Store.DataPath, err = pathutil.Expand(cfg.Store.DataPath); err != nil {
		return fmt.Errorf("store.data_path: %w", err)
	}
	derived := []struct {
		key   string
		field *string
		leaf  string
	}{
		{"installd.root_path", &cfg.Installd.RootPath, "app"},
		{"usage.db_path", &cfg.Usage.DBPath, "usage.db"},
	}
	for _, d := range derived {
		p, err := pathutil.Expand(*d.field)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if p == "" && cfg.Store.DataPath != "" {
			p = filepath.Join(cfg.Store.DataPath, d.leaf)
		}
		*d.field = p
	}
	return nil
}

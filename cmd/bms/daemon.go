package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/daemon"
	"github.com/harunnryd/bms/internal/daemon/components"

	"github.com/spf13/cobra"
)

// newDaemon wires the store, service, aging scheduler and HTTP API into one
// daemon. Dependencies decide start order, not registration order.
func newDaemon(c *config.Config) (*daemon.Daemon, error) {
	d, err := daemon.NewDaemon(c)
	if err != nil {
		return nil, err
	}
	storeComp := components.NewStoreWorkerComponent(&c.Store)
	svcComp := components.NewServiceComponent(c, storeComp)
	d.AddComponent(storeComp)
	d.AddComponent(svcComp)
	d.AddComponent(components.NewAgingSchedulerComponent(&c.Aging, svcComp))
	d.AddComponent(components.NewHTTPServerComponent(d, &c.Server, svcComp))
	return d, nil
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run bms as a long-lived service",
	Long: "Runs bms in the foreground. The daemon holds the data directory lock, serves the admin API " +
		"and runs scheduled aging cycles until SIGINT or SIGTERM.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return errors.New("config not loaded")
		}
		d, err := newDaemon(cfg)
		if err != nil {
			return fmt.Errorf("build daemon: %w", err)
		}
		force, _ := cmd.Flags().GetBool("force-clean-locks")
		d.SetForceCleanup(force)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		slog.Info("bms daemon starting", "version", version, "port", cfg.Server.Port, "data_path", d.DataPath())
		err = d.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("daemon: %w", err)
		}
		slog.Info("bms daemon exited", "uptime", d.Uptime().Round(time.Second))
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("force-clean-locks", false, "delete a stale lock file left by a crashed daemon instead of only warning")
	rootCmd.AddCommand(daemonCmd)
}

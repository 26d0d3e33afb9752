package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/logger"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "bms",
	Short:   "Bundle manager service",
	Long:    "bms installs bundles, manages their sandbox copies and ages out unused bundles when storage runs low.",
	Version: version,
	// Errors are printed once by Execute.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bms:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $HOME/.bms/config.yaml)")
	// Dotted names map straight onto koanf keys through posflag.
	pf.String("server.log_level", config.DefaultServerLogLevel, "log level: debug, info, warn or error")
	pf.Int("server.port", config.DefaultServerPort, "admin API port")
	pf.String("store.data_path", "", "data directory (default $HOME/.bms/data)")
}

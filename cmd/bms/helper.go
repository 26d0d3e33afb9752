package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/formatter"
	"github.com/harunnryd/bms/internal/service"

	"github.com/spf13/cobra"
)

// executeWithService builds a service context on the local data directory
// for the duration of one command. It fails while a daemon holds the lock.
func executeWithService(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Context) error) error {
	loadedCfg, err := loadConfigForCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, release := interruptible(parent, cmd.ErrOrStderr())
	defer release()

	svc, err := service.New(loadedCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize bundle manager: %w", err)
	}
	defer svc.Close()

	return fn(ctx, svc)
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

func outputFormatter(cmd *cobra.Command) (formatter.Formatter, error) {
	raw, _ := cmd.Flags().GetString("output")
	format, err := formatter.ParseOutputFormat(raw)
	if err != nil {
		return nil, err
	}
	return formatter.New(format)
}

// printTo returns a sink for formatter results: printTo(cmd)(f.FormatX(v)).
func printTo(cmd *cobra.Command) func(string, error) error {
	return func(s string, err error) error {
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), s)
		return err
	}
}

// userFlag reads --user. "all" selects every user where the command allows it.
func userFlag(cmd *cobra.Command, def int) (int, error) {
	raw, _ := cmd.Flags().GetString("user")
	switch raw {
	case "":
		return def, nil
	case "all":
		return bundle.AllUserID, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --user %q", raw)
	}
	return id, nil
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
}

func addUserFlag(cmd *cobra.Command, usage string) {
	cmd.Flags().StringP("user", "u", "", usage)
}

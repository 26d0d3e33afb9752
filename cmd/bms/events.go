package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/bms/internal/service"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the bundle event journal",
	Long:  `Display install, uninstall, sandbox and aging events, newest last.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 0 {
			return fmt.Errorf("invalid --limit %d", limit)
		}

		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			events, err := svc.Events(limit)
			if err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}
			return printTo(cmd)(f.FormatEvents(events))
		})
	},
}

func init() {
	addOutputFlag(eventsCmd)
	eventsCmd.Flags().IntP("limit", "n", 20, "number of most recent events to show (0 for all)")
	rootCmd.AddCommand(eventsCmd)
}

package main

import (
	"context"

	"github.com/harunnryd/bms/internal/service"

	"github.com/spf13/cobra"
)

// triggerCLI names aging cycles started from the command line.
const triggerCLI = "cli"

var agingCmd = &cobra.Command{
	Use:   "aging",
	Short: "Run or preview bundle aging",
	Long:  `Aging uninstalls unused bundles once their data exceeds the configured threshold.`,
}

var agingRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one aging cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			report, err := svc.RunAging(ctx, triggerCLI)
			if err != nil {
				return err
			}
			return printTo(cmd)(f.FormatReport(report))
		})
	},
}

var agingPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what an aging cycle would start from",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			plan, err := svc.PlanAging(ctx)
			if err != nil {
				return err
			}
			return printTo(cmd)(f.FormatPlan(plan))
		})
	},
}

func init() {
	addOutputFlag(agingRunCmd)
	addOutputFlag(agingPlanCmd)
	agingCmd.AddCommand(agingRunCmd)
	agingCmd.AddCommand(agingPlanCmd)
	rootCmd.AddCommand(agingCmd)
}

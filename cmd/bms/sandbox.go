package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/service"

	"github.com/spf13/cobra"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandbox apps",
	Long:  `Install, uninstall and inspect sandbox copies of installed bundles.`,
}

func parseAppIndex(raw string) (int, error) {
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid app index %q", raw)
	}
	return idx, nil
}

var sandboxInstallCmd = &cobra.Command{
	Use:   "install [bundle]",
	Short: "Create a sandbox copy of a bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFlag(cmd, bundle.DefaultUserID)
		if err != nil {
			return err
		}
		dlpType, _ := cmd.Flags().GetInt("dlp-type")

		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			idx, err := svc.InstallSandboxApp(ctx, args[0], dlpType, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Sandbox app %s#%d installed for user %d\n", args[0], idx, userID)
			return nil
		})
	},
}

var sandboxUninstallCmd = &cobra.Command{
	Use:   "uninstall [bundle] [index]",
	Short: "Remove a sandbox copy",
	Long:  `Remove one sandbox copy, or every copy of the bundle for the user with --all.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFlag(cmd, bundle.DefaultUserID)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 2) {
			return fmt.Errorf("pass either an app index or --all")
		}

		if all {
			return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
				if err := svc.UninstallAllSandboxApps(ctx, args[0], userID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ All sandbox apps of %s removed for user %d\n", args[0], userID)
				return nil
			})
		}

		idx, err := parseAppIndex(args[1])
		if err != nil {
			return err
		}
		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			if err := svc.UninstallSandboxApp(ctx, args[0], idx, userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Sandbox app %s#%d removed for user %d\n", args[0], idx, userID)
			return nil
		})
	},
}

var sandboxInfoCmd = &cobra.Command{
	Use:   "info [bundle] [index]",
	Short: "Show a sandbox app",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		userID, err := userFlag(cmd, bundle.DefaultUserID)
		if err != nil {
			return err
		}
		idx, err := parseAppIndex(args[1])
		if err != nil {
			return err
		}

		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			info, err := svc.GetSandboxAppBundleInfo(args[0], idx, userID)
			if err != nil {
				return err
			}
			return printTo(cmd)(f.FormatBundle(&info))
		})
	},
}

var sandboxLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sandbox apps",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		userID, err := userFlag(cmd, bundle.AllUserID)
		if err != nil {
			return err
		}

		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			return printTo(cmd)(f.FormatBundles(svc.ListSandboxApps(userID)))
		})
	},
}

func init() {
	addUserFlag(sandboxInstallCmd, "target user id (default 100)")
	sandboxInstallCmd.Flags().Int("dlp-type", bundle.DLPType1, "DLP type of the sandbox copy (1 or 2)")

	addUserFlag(sandboxUninstallCmd, "target user id (default 100)")
	sandboxUninstallCmd.Flags().Bool("all", false, "remove every sandbox copy of the bundle")

	addUserFlag(sandboxInfoCmd, "target user id (default 100)")
	addOutputFlag(sandboxInfoCmd)

	addUserFlag(sandboxLsCmd, "only list sandbox apps of this user (default all)")
	addOutputFlag(sandboxLsCmd)

	sandboxCmd.AddCommand(sandboxInstallCmd)
	sandboxCmd.AddCommand(sandboxUninstallCmd)
	sandboxCmd.AddCommand(sandboxInfoCmd)
	sandboxCmd.AddCommand(sandboxLsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

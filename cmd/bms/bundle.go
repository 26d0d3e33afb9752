package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/installer"
	"github.com/harunnryd/bms/internal/service"

	"github.com/spf13/cobra"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage installed bundles",
	Long:  `Install, uninstall and list bundles.`,
}

var bundleInstallCmd = &cobra.Command{
	Use:   "install [manifest]",
	Short: "Install a bundle from a manifest file",
	Long:  `Install a bundle described by a YAML or JSON manifest. Use --replace to update an installed bundle.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := bundle.LoadManifest(args[0])
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		userID, err := userFlag(cmd, bundle.DefaultUserID)
		if err != nil {
			return err
		}
		replace, _ := cmd.Flags().GetBool("replace")

		param := installer.InstallParam{UserID: userID}
		if replace {
			param.InstallFlag = installer.InstallFlagReplaceExisting
		}

		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			info, err := svc.InstallBundle(ctx, m, param)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Installed %s (version %d) for user %d\n", info.BundleName, info.VersionCode, userID)
			return nil
		})
	},
}

var bundleUninstallCmd = &cobra.Command{
	Use:   "uninstall [name]",
	Short: "Uninstall a bundle",
	Long:  `Uninstall a bundle for one user. Its sandbox copies are removed first.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFlag(cmd, bundle.DefaultUserID)
		if err != nil {
			return err
		}
		keepData, _ := cmd.Flags().GetBool("keep-data")
		force, _ := cmd.Flags().GetBool("force")

		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			param := installer.InstallParam{
				UserID:        userID,
				IsKeepData:    keepData,
				ForceExecuted: force,
			}
			if err := svc.UninstallBundle(ctx, args[0], param); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Bundle '%s' uninstalled for user %d\n", args[0], userID)
			return nil
		})
	},
}

var bundleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List installed bundles",
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
			return printTo(cmd)(f.FormatBundles(svc.ListBundles(userID)))
		})
	},
}

var bundleLaunchCmd = &cobra.Command{
	Use:   "launch [name]",
	Short: "Record a launch of a bundle",
	Long:  `Record a launch in the usage statistics. Aging ranks bundles by their most recent launch.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := userFlag(cmd, bundle.DefaultUserID)
		if err != nil {
			return err
		}
		return executeWithService(cmd, func(ctx context.Context, svc *service.Context) error {
			if err := svc.RecordLaunch(ctx, args[0], userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Launch of %s recorded for user %d\n", args[0], userID)
			return nil
		})
	},
}

func init() {
	addUserFlag(bundleInstallCmd, "target user id (default 100)")
	bundleInstallCmd.Flags().Bool("replace", false, "replace an installed bundle")

	addUserFlag(bundleUninstallCmd, "target user id (default 100)")
	bundleUninstallCmd.Flags().Bool("keep-data", false, "keep the bundle's data directories")
	bundleUninstallCmd.Flags().Bool("force", false, "uninstall even if the bundle is running")

	addUserFlag(bundleLsCmd, "only list bundles installed for this user (default all)")
	addOutputFlag(bundleLsCmd)

	addUserFlag(bundleLaunchCmd, "target user id (default 100)")

	bundleCmd.AddCommand(bundleInstallCmd)
	bundleCmd.AddCommand(bundleUninstallCmd)
	bundleCmd.AddCommand(bundleLsCmd)
	bundleCmd.AddCommand(bundleLaunchCmd)
	rootCmd.AddCommand(bundleCmd)
}

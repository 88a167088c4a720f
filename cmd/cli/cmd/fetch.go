package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensandbox/webterm/internal/config"
	"github.com/opensandbox/webterm/internal/storage"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <slug>",
	Short: "Download a workspace from object storage",
	Long: `Download every object under the workspace's prefix into a local directory,
using the same WEBTERM_* storage settings as the server.
Example: webterm fetch acme/demo --root ./workspaces`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if root, _ := cmd.Flags().GetString("root"); root != "" {
			cfg.WorkspaceRoot = root
		}

		store, err := storage.NewObjectStore(cfg.Storage, cfg.S3(), cfg.Azure())
		if err != nil {
			return fmt.Errorf("failed to initialize object storage: %w", err)
		}
		if store == nil {
			return fmt.Errorf("no object storage configured (set WEBTERM_STORAGE and its credentials)")
		}
		fetcher, err := storage.NewFetcher(store, cfg.WorkspaceRoot, cfg.WorkspacePrefix)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		result, err := fetcher.Fetch(ctx, args[0], func(msg string) {
			fmt.Fprintln(out, msg)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch workspace: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			return printJSON(out, result)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().String("root", "", "Workspace root directory (default $WEBTERM_WORKSPACE_ROOT or /synthi)")
	fetchCmd.Flags().Bool("json", false, "Print the result as JSON")
}

// vaultledgerd runs the off-chain ledger daemon: the webhook dispatcher,
// the lease sweeper, and (when an authority endpoint is configured) the
// reconciler, all wired over either in-memory or PostgreSQL-backed stores.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "vaultledgerd",
		Short:         "Collateral vault ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")

	cmd.AddCommand(newRunCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultledgerd:", err)
		os.Exit(1)
	}
}

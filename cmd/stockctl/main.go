package main

import (
	"fmt"
	"os"

	"stockflow/config"
	"stockflow/internal/util"

	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "stockctl",
	Short:         "Administer a stockflow deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		return util.InitLogger(cfg.Server.Env, "warn")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		util.SyncLogger()
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd, tokenCmd, setRoleCmd, lowStockCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stockctl:", err)
		os.Exit(1)
	}
}

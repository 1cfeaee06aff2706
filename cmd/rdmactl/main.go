package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/openrdma/internal/logging"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "rdmactl",
	Short:         "Run and exercise an openrdma device",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rdmactl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rdmactl version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rdmactl: %v\n", err)
		os.Exit(1)
	}
}

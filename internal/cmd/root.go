// Package cmd assembles the stagerun command line: the benchmark
// controller, the stage worker host, and version.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stagerun-org/stagerun/internal/build"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "Stagerun is a serverless workflow runtime and orchestration layer",
	Long: `Stagerun executes DAGs of serverless stages across a cluster of
workers sharing a key-value store, with locality-aware placement,
configurable inter-stage transport, and durable orchestration.
`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(CmdController())
	rootCmd.AddCommand(CmdWorker())
	rootCmd.AddCommand(CmdVersion())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRootCmd builds the bulkwatch command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bulkwatch",
		Short: "Start and follow bulk market-data fetch jobs",
		Long: `bulkwatch starts bulk market-data fetch jobs on the stock analyzer API
and follows their progress over server push (SSE or WebSocket) or by polling.
Progress is mirrored into a local reactive state store, which also keeps the
persisted UI state (pagination, sorting, filters) between runs.`,
		SilenceUsage: true,
	}
	root.Version = Version
	root.SetVersionTemplate("bulkwatch version {{.Version}}\n")

	root.PersistentFlags().String("dir", "", "project directory holding .bulkwatch/ (default: current directory)")
	root.PersistentFlags().String("log-level", "", "override log_level from config (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(),
		newFetchCmd(),
		newSequentialCmd(),
		newStopCmd(),
		newStateCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

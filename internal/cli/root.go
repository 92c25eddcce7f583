package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the warden version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "warden %s\n", Version)
	},
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Supervision layer for long-running cancellable operations",
	Long: `warden supervises long-running remote operations on behalf of a client.
It speaks an NDJSON protocol on stdin/stdout: the client submits requests
and cancellations, warden runs each operation in a worker process and
guarantees exactly one terminal response per operation, even across
cancellation races, timeouts, and client disconnects.

Running 'warden' without a subcommand is equivalent to 'warden serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'serve' command
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(versionCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to warden.json config file (default: search up directory tree)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

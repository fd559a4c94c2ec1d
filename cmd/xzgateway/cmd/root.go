package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// NewRootCmd creates the root command for xzgateway.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "xzgateway",
		Short: "MCP aggregation gateway for the xiaozhi assistant fleet",
		Long: `xzgateway aggregates tools from multiple MCP backends (stdio, SSE, and
Streamable HTTP servers) behind one namespaced tool surface and relays them to
one or more xiaozhi WebSocket endpoints.

Use "serve" to start the gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newRestartCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAttachCmd())
	rootCmd.AddCommand(newGetConfigCmd())
	rootCmd.AddCommand(newSetConfigCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newStartCmd, newStopCmd, newRestartCmd, and newAttachCmd are intentionally
// thin: daemonizing xzgateway (pid files, detaching from the controlling
// terminal, re-attaching to a backgrounded process's stdio) is out of scope
// (Non-goal: CLI daemonization). They exist so the documented subcommand
// surface and exit codes are stable for a collaborator's process supervisor
// to build on top of; "serve" is the one subcommand with a real
// implementation.

func notImplemented(cmd *cobra.Command, name string) error {
	fmt.Fprintf(os.Stderr, "xzgateway %s: not implemented; run the gateway in the foreground with \"xzgateway serve\" under your own process supervisor\n", name)
	os.Exit(1)
	return nil
}

func newStartCmd() *cobra.Command {
	daemon := false
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway as a background daemon (not implemented; see \"serve\")",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return notImplemented(cmd, "start")
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Run detached (not implemented)")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemonized gateway (not implemented; see \"serve\")",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return notImplemented(cmd, "stop")
		},
	}
}

func newRestartCmd() *cobra.Command {
	daemon := false
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a running daemonized gateway (not implemented; see \"serve\")",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return notImplemented(cmd, "restart")
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Run detached (not implemented)")
	return cmd
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Attach to a running daemonized gateway's logs (not implemented; see \"serve\")",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return notImplemented(cmd, "attach")
		},
	}
}

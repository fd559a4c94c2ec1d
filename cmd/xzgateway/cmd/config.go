package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xzmcp/gateway/internal/config"
)

func newGetConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "get-config [key]",
		Short: "Read one value from the legacy config file",
		Long:  "Read mcpServerConfig.<service>.tools.<tool>.* or any other dotted key from the config file. With no key, print the whole file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				// #nosec G304 -- operator-supplied config path.
				raw, err := os.ReadFile(configPath)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				fmt.Fprint(cmd.OutOrStdout(), string(raw))
				return nil
			}
			value, err := config.GetConfigValue(configPath, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "Path to the config file")
	return cmd
}

func newSetConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set-config key=value",
		Short: "Write one value into the legacy config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, ok := strings.Cut(args[0], "=")
			if !ok {
				fmt.Fprintln(os.Stderr, "set-config requires key=value")
				os.Exit(2)
			}
			if err := config.SetConfigValue(configPath, key, value); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "Path to the config file")
	return cmd
}

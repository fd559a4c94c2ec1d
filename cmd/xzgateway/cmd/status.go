package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway's /api/status endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/api/status", addr))
			if err != nil {
				fmt.Fprintf(os.Stderr, "xzgateway status: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "xzgateway status: server returned %s: %s\n", resp.Status, body)
				os.Exit(1)
			}

			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err == nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(pretty)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9999", "Control API host:port")
	return cmd
}

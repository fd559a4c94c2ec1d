package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/gateway"
	"github.com/xzmcp/gateway/internal/obs"
)

// ServeConfig holds the serve command's flags.
type ServeConfig struct {
	Config       string
	DrainTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	cfg := &ServeConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the xzgateway aggregator: connect every configured MCP backend,
dial the configured xiaozhi WebSocket endpoints, and serve the local control
API until interrupted.

Examples:
  xzgateway serve
  xzgateway serve --config=/etc/xzgateway/config.json
  xzgateway serve --config=config.yaml --drain-timeout=15s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.Config, "config", "c", "", "Path to the legacy JSON/YAML config file")
	cmd.Flags().DurationVar(&cfg.DrainTimeout, "drain-timeout", 10*time.Second, "How long to wait for inflight tool calls before disconnecting backends on shutdown")

	applyServeEnvDefaults(cmd, cfg)

	return cmd
}

func applyServeEnvDefaults(cmd *cobra.Command, cfg *ServeConfig) {
	if !cmd.Flags().Changed("config") {
		if v := os.Getenv("XZGATEWAY_CONFIG"); v != "" {
			_ = cmd.Flags().Set("config", v)
			cfg.Config = v
		}
	}
}

func runServe(ctx context.Context, cfg *ServeConfig) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	envCfg, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("load env config: %w", err)
	}

	configPath := cfg.Config
	if configPath == "" {
		configPath = envCfg.ConfigPath
	}

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obs.NewLogger(parseLogLevel(envCfg.LogLevel))

	app, err := gateway.New(appCfg, configPath, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	app.SetDrainTimeout(cfg.DrainTimeout)

	logger.Info("xzgateway starting", "config", configPath, "backends", len(appCfg.Backends))
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gateway run: %w", err)
	}
	logger.Info("xzgateway stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

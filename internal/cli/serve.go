package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"salvage/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the recovery service",
		Long: `Start the recovery service.

The service follows the host's event stream (or accepts events posted to
/api/v1/events), recovers sessions that overflow their context window, and
serves:
- REST API endpoints for recovery state and the step journal
- WebSocket updates for dashboards
- Prometheus metrics on /metrics

The gateway listens on the configured host and port (default: 127.0.0.1:8787).`,
		Example: `  # Start with default configuration
  salvage serve

  # Start on a custom port without subscribing to the host event stream
  salvage serve --port 9000 --no-subscribe

  # Start with verbose logging
  salvage serve --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	cmd.Flags().String("host-url", "", "agent host base URL (overrides config)")
	cmd.Flags().Bool("no-subscribe", false, "do not subscribe to the host event stream")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	cfg := cliCtx.Config
	log := cliCtx.Log()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	if hostURL, _ := cmd.Flags().GetString("host-url"); hostURL != "" {
		cfg.Host.BaseURL = hostURL
	}
	if noSubscribe, _ := cmd.Flags().GetBool("no-subscribe"); noSubscribe {
		cfg.Host.Subscribe = false
	}

	srv, err := server.New(server.Options{
		Config:     cfg,
		ConfigPath: cliCtx.ConfigPath,
		Logger:     *log,
		Version:    currentBuildInfo().Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/harun/agentgate/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket switchboard",
	Long: `Run the agentgate server in the foreground.
Clients connect over websocket, authenticate and request agent runs.
SIGINT or SIGTERM asks connected clients to reconnect and drains live sessions.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Service:   "agentgate",
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	srv, err := newServer(cfg, log.GetZerolog(), nil)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.sb.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()

	log.Info().Dur("timeout", cfg.Switchboard.ShutdownTimeout()).Msg("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Switchboard.ShutdownTimeout())
	defer cancel()
	if err := srv.sb.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

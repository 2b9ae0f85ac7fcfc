package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc/internal/config"
	"github.com/veridoc/veridoc/internal/log"
	"github.com/veridoc/veridoc/internal/server"
	"github.com/veridoc/veridoc/internal/session"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var trustProxy bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis HTTP server",
		Long: `Run the HTTP server: document uploads, per-session WebSocket streams,
verdict retrieval and health probes. Configuration comes from veridoc.yaml
and VERIDOC_* environment variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, trustProxy)
		},
	}

	cmd.Flags().BoolVar(&trustProxy, "trust-proxy", false, "trust X-Real-IP/X-Forwarded-For (behind reverse proxy)")
	return cmd
}

func runServe(opts *RootOptions, trustProxy bool) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "loading config", err)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: opts.Format == "json"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "initializing orchestrator", err)
	}

	sessions := session.NewManager(logger.With("component", "session"))
	go sessions.Run(ctx)

	spool, err := server.NewSpool(cfg.SpoolDir, cfg.SpoolMaxAge, logger.With("component", "spool"))
	if err != nil {
		return WrapExitError(ExitCommandError, "initializing spool", err)
	}
	go spool.Run(ctx)

	srv, err := server.New(ctx, server.Config{
		Logger:       logger,
		Orchestrator: orch,
		Sessions:     sessions,
		Spool:        spool,
		UploadLimit:  cfg.UploadLimitBytes,
		RatePerMin:   cfg.UploadRatePerMin,
		TrustProxy:   trustProxy,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "creating server", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/analyses",
		"health", "/healthz, /readyz",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

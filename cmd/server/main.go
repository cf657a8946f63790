package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lukasbauer/avatarchat/internal/app"
	"github.com/lukasbauer/avatarchat/internal/logging"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:          "avatarchat",
		Short:        "Voice chat between a microphone and a streaming avatar",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	load := func() (app.Config, zerolog.Logger, error) {
		cfg, err := app.LoadConfig(envFile)
		if err != nil {
			return app.Config{}, zerolog.Nop(), err
		}
		return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout), nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	micCmd := &cobra.Command{
		Use:   "mic",
		Short: "Inspect microphone access",
	}
	micCmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Report the last known microphone permission without prompting",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := load()
				if err != nil {
					return err
				}
				perm := app.NewDeviceManager(cfg, logger).CheckPermission(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), perm)
				return nil
			},
		},
		&cobra.Command{
			Use:   "request",
			Short: "Open the microphone once and report whether access was granted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger, err := load()
				if err != nil {
					return err
				}
				perm := app.NewDeviceManager(cfg, logger).RequestPermission(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), perm)
				return nil
			},
		},
	)

	rootCmd.AddCommand(serveCmd, micCmd)
	return rootCmd
}

func serve(parent context.Context, cfg app.Config, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
			Release:          "avatarchat@" + version,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("sentry init failed")
		} else {
			logger.Info().Msg("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
		}
		return fmt.Errorf("init app: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = a.Close(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Websocket feeds are hijacked and not tracked by Shutdown.
	a.Drain()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("close app")
	}
	return nil
}

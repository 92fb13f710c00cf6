package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshgate/internal/broker"
	"github.com/rmacdonaldsmith/meshgate/internal/config"
)

func newServeCommand() *cobra.Command {
	var (
		configPath  string
		brokerID    string
		listenAddr  string
		metricsAddr string
		authMode    string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:         "serve",
		Short:       "Run a broker node",
		Annotations: map[string]string{"local": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags override the file and environment
			flags := cmd.Flags()
			if flags.Changed("broker-id") {
				cfg.Broker.ID = brokerID
			}
			if flags.Changed("listen") {
				cfg.Transport.ListenAddress = listenAddr
			}
			if flags.Changed("metrics-listen") {
				cfg.Metrics.ListenAddress = metricsAddr
			}
			if flags.Changed("auth-mode") {
				cfg.Auth.Mode = authMode
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&brokerID, "broker-id", "", "Unique broker identifier")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "gRPC listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Prometheus /metrics listen address")
	cmd.Flags().StringVar(&authMode, "auth-mode", "", "Auth mode: local or delegated")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: text or json")

	return cmd
}

// runServe runs a node until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	node, err := broker.New(cfg, broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("error closing broker", "error", err)
		}
	}()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return node.Stop(shutdownCtx)
}

// newLogger builds the process logger from the log configuration.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("app", appName), nil
}

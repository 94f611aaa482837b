// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mobiletoly/go-overledger/internal/config"
	"github.com/mobiletoly/go-overledger/internal/server"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath   string
	Addr         string
	DatabaseURL  string
	EnableSignin bool
	Verbose      bool
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&rootOptions{})
}

func newRootCommandWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "Customer ledger server",
		Long: `Serve the customer ledger REST API used by offline-first clients.

Without a database URL the server keeps everything in memory.

Example:
  ledgerd --config ledgerd.yaml
  DATABASE_URL=postgres://localhost/ledger ledgerd --addr :9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", "", "Postgres URL (overrides config)")
	cmd.Flags().BoolVar(&opts.EnableSignin, "enable-signin", false, "expose POST /dummy-signin")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// loadConfig applies flags that were set on top of file and environment values
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = opts.Addr
	}
	if flags.Changed("database-url") {
		cfg.Server.DatabaseURL = opts.DatabaseURL
	}
	if flags.Changed("enable-signin") {
		cfg.Server.EnableSignin = opts.EnableSignin
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg *config.Config) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	if cfg.UsesDefaultSecret() {
		logger.Warn("Using default JWT secret - change in production!")
	}

	components, err := server.SetupServer(cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      components.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ledger server", "addr", httpServer.Addr, "postgres", components.Pool != nil,
			"dummy_signin", cfg.Server.EnableSignin)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}

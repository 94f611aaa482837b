// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mobiletoly/go-overledger/internal/config"
	"github.com/mobiletoly/go-overledger/internal/server"
	"github.com/mobiletoly/go-overledger/internal/simulator"
	"github.com/mobiletoly/go-overledger/oversync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath   string
	ServerURL    string
	SQLitePath   string
	Owner        string
	Customers    int
	Transactions int
	Rename       bool
	Timeout      time.Duration
	Metrics      bool
	Verbose      bool
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&rootOptions{}, os.Stdout)
}

func newRootCommandWith(opts *rootOptions, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledgersim",
		Short: "Simulate an offline-first ledger client",
		Long: `Create customers and transactions while offline, reconnect, and report
what the sync queue did.

Without --server-url an in-memory server is started in-process. Against a
real server, tokens are signed with the configured JWT secret.

Example:
  ledgersim --customers 3 --transactions 5 --rename
  ledgersim --server-url http://localhost:8080 --sqlite ./sim.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			return runSimulation(cmd.Context(), opts, cfg, out)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.ServerURL, "server-url", "", "ledger server URL (default: in-process server)")
	cmd.Flags().StringVar(&opts.SQLitePath, "sqlite", ":memory:", "local SQLite database path")
	cmd.Flags().StringVar(&opts.Owner, "owner", "sim-user", "owner id used in tokens")
	cmd.Flags().IntVar(&opts.Customers, "customers", 2, "customers to create offline")
	cmd.Flags().IntVar(&opts.Transactions, "transactions", 3, "transactions per customer")
	cmd.Flags().BoolVar(&opts.Rename, "rename", false, "rename every customer while offline")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "overall deadline")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "include client sync metrics in the report")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging to stderr")
	return cmd
}

func runSimulation(ctx context.Context, opts *rootOptions, cfg *config.Config, out io.Writer) error {
	if opts.Customers < 0 || opts.Transactions < 0 {
		return fmt.Errorf("--customers and --transactions must not be negative")
	}
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	serverURL := opts.ServerURL
	jwtAuth := oversync.NewJWTAuth(cfg.Server.JWTSecret)
	if serverURL == "" {
		srvCfg := cfg.Server
		srvCfg.DatabaseURL = ""
		ts, err := server.NewTestServer(srvCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to start in-process server: %w", err)
		}
		defer ts.Close()
		serverURL = ts.URL()
		jwtAuth = ts.JWTAuth
	}

	var registry *prometheus.Registry
	if opts.Metrics {
		registry = prometheus.NewRegistry()
	}
	deviceID := cfg.Client.DeviceID
	sim, err := simulator.New(ctx, simulator.Options{
		ServerURL: serverURL,
		Token: func(context.Context) (string, error) {
			return jwtAuth.GenerateToken(opts.Owner, deviceID, cfg.Client.TokenExpiry)
		},
		SQLitePath: opts.SQLitePath,
		OwnerID:    opts.Owner,
		Sync:       cfg.Client.SyncConfig(),
		Logger:     logger,
		Metrics:    registry,
	})
	if err != nil {
		return err
	}
	defer sim.Close()

	report, err := sim.Run(ctx, simulator.Scenario{
		Customers:               opts.Customers,
		TransactionsPerCustomer: opts.Transactions,
		RenameOffline:           opts.Rename,
	})
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server assembles ledgerd: store, ledger service, JWT auth,
// metrics and the HTTP router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-overledger/internal/config"
	"github.com/mobiletoly/go-overledger/metrics"
	"github.com/mobiletoly/go-overledger/oversync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const signinTokenTTL = 5 * time.Minute

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool     *pgxpool.Pool // nil when running on the in-memory store
	Store    oversync.Store
	Service  *oversync.LedgerService
	JWTAuth  *oversync.JWTAuth
	Registry *prometheus.Registry
	Handler  http.Handler
	Logger   *slog.Logger
	cancel   context.CancelFunc
}

// TestServer represents a running test server instance
type TestServer struct {
	*ServerComponents
	HTTPServer *httptest.Server
}

// SetupServer initializes all server components. It is shared by ledgerd
// and tests.
func SetupServer(cfg config.ServerConfig, logger *slog.Logger) (*ServerComponents, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	appName := cfg.AppName
	if appName == "" {
		appName = "ledgerd"
	}

	sc := &ServerComponents{Logger: logger, cancel: cancel}

	if cfg.DatabaseURL == "" {
		logger.Warn("No database URL configured, using in-memory store")
		sc.Store = oversync.NewMemoryStore()
	} else {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		store, err := oversync.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		sc.Pool = pool
		sc.Store = store
	}

	sc.Registry = prometheus.NewRegistry()
	sc.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder(sc.Registry, "ledgerd")
	if err != nil {
		sc.Close()
		return nil, err
	}

	sc.Service = oversync.NewLedgerService(sc.Store, &oversync.ServiceConfig{
		AppName:      appName,
		StageMetrics: recorder,
	}, logger)

	sc.JWTAuth = oversync.NewJWTAuth(cfg.JWTSecret).WithLogger(logger)

	handlers := oversync.NewHTTPHandlers(sc.Service, logger)
	metricsHandler := promhttp.HandlerFor(sc.Registry, promhttp.HandlerOpts{})

	r := chi.NewRouter()
	r.Use(LoggingMiddleware(logger))
	if cfg.EnableSignin {
		r.Post("/dummy-signin", sc.handleDummySignin)
	}
	r.Mount("/", handlers.Router(sc.JWTAuth.Middleware, metricsHandler))
	sc.Handler = r

	return sc, nil
}

func openPool(ctx context.Context, cfg config.ServerConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

type signinRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

type signinResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
}

// handleDummySignin returns a JWT for the provided user/device; any password is accepted
func (sc *ServerComponents) handleDummySignin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, oversync.ErrorResponse{Error: "invalid_request", Message: "invalid JSON"})
		return
	}
	if req.User == "" {
		writeJSON(w, http.StatusBadRequest, oversync.ErrorResponse{Error: "invalid_request", Message: "user required"})
		return
	}
	if req.Device == "" {
		req.Device = "device-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	tok, err := sc.JWTAuth.GenerateToken(req.User, req.Device, signinTokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oversync.ErrorResponse{Error: "token_error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, signinResponse{
		Token:     tok,
		ExpiresIn: int64(signinTokenTTL / time.Second),
		User:      req.User,
		Device:    req.Device,
	})
	sc.Logger.Info("Generated dummy JWT", "user", req.User, "device", req.Device)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Close shuts down the server components and cleans up resources
func (sc *ServerComponents) Close() {
	if sc.Service != nil {
		_ = sc.Service.Close()
	}
	if sc.Pool != nil {
		sc.Pool.Close()
	}
	if sc.cancel != nil {
		sc.cancel()
	}
}

// NewTestServer creates a new test server instance using the shared server setup
func NewTestServer(cfg config.ServerConfig, logger *slog.Logger) (*TestServer, error) {
	components, err := SetupServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &TestServer{
		ServerComponents: components,
		HTTPServer:       httptest.NewServer(components.Handler),
	}, nil
}

// Close shuts down the test server and cleans up resources
func (ts *TestServer) Close() {
	if ts.HTTPServer != nil {
		ts.HTTPServer.Close()
	}
	ts.ServerComponents.Close()
}

// URL returns the base URL of the test server
func (ts *TestServer) URL() string {
	return ts.HTTPServer.URL
}

// GenerateToken generates a JWT token for testing
func (ts *TestServer) GenerateToken(ownerID, deviceID string, duration time.Duration) (string, error) {
	return ts.JWTAuth.GenerateToken(ownerID, deviceID, duration)
}

// LoggingMiddleware logs one line per request at debug level, and at warn
// level for server errors
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, config/config.env, environment)
  2. Apply command-line overrides
  3. Open the ledger store selected by STORE_DRIVER
  4. Build the engine with retry, logging and audit sinks
  5. Configure HTTP router and start the reconcile scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (overrides HTTP_PORT)
  -db        SQLite database path (overrides SQLITE_PATH)
             Use ":memory:" for in-memory database
  -driver    memory, sqlite or postgres (overrides STORE_DRIVER)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconcile scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL
  STORE_DRIVER=postgres DATABASE_URL=postgres://... ./server

  # Run with everything in memory on a different port
  ./server -driver=memory -port=3000

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Durable stores
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/logging"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	driver := flag.String("driver", "", "ledger store: memory, sqlite or postgres")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger := logging.New(logging.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, App: cfg.App.Name})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// auditLog is a store-backed audit sink that can be read back.
type auditLog interface {
	ledger.AuditSink
	api.AuditReader
}

// backend is an opened ledger store plus its persistent audit log, if any.
type backend struct {
	store  ledger.Store
	audit  auditLog
	closer io.Closer
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return &backend{store: store.NewMemory()}, nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Store.SQLitePath); cfg.Store.SQLitePath != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		st, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{store: st, audit: st.AuditLog(), closer: st}, nil

	case config.DriverPostgres:
		poolCfg := postgres.DefaultPoolConfig(cfg.DB.ConnectionString())
		poolCfg.ApplicationName = cfg.App.Name
		st, err := postgres.Open(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		return &backend{store: st, audit: st.AuditLog(), closer: st}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if be.closer != nil {
		defer func() {
			if err := be.closer.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close store")
			}
		}()
	}

	sinks := ledger.MultiSink{ledger.LogSink{Logger: logger.With().Str("component", "audit").Logger()}}
	if be.audit != nil {
		sinks = append(sinks, be.audit)
	}
	engine := ledger.NewEngine(be.store,
		ledger.WithLogger(logger.With().Str("component", "ledger").Logger()),
		ledger.WithRetry(cfg.Ledger.MaxRetries, cfg.Ledger.RetryBackoff),
		ledger.WithAuditSink(sinks),
	)

	handler := api.NewHandler(engine, logger.With().Str("component", "http").Logger())
	if be.audit != nil {
		handler.Audit = be.audit
	}
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		EnableScenarios: cfg.App.Env == "development",
	})

	scheduler := api.NewReconcileScheduler(engine, logger.With().Str("component", "reconcile").Logger())
	scheduler.Interval = cfg.Reconcile.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.Store.Driver).
			Str("env", cfg.App.Env).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

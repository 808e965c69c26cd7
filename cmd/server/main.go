/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the charge engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Register prometheus collectors
  5. Apply the seed catalog, if configured
  6. Configure HTTP router and start serving

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides CHARGE_ENGINE_PORT)
  -db      SQLite database path (overrides CHARGE_ENGINE_DB_PATH)
           Use ":memory:" for in-memory database
  -seed    YAML seed catalog (overrides CHARGE_ENGINE_SEED_CATALOG)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database and a seed catalog
  ./server -db="./data/charges.db" -seed="./catalog.yaml"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - factory/catalog.go: Seed catalog format
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/charge-engine/api"
	"github.com/warp/charge-engine/config"
	"github.com/warp/charge-engine/factory"
	"github.com/warp/charge-engine/metrics"
	"github.com/warp/charge-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.SeedCatalog, "seed", cfg.SeedCatalog, "YAML seed catalog")
	flag.Parse()

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	metrics.Init(store.DB(), logger)
	handler := api.NewHandler(store, logger, metrics.Recorder{})

	if cfg.SeedCatalog != "" {
		if err := seed(cfg.SeedCatalog, handler, store, logger); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func seed(path string, h *api.Handler, store *sqlite.Store, logger *zap.Logger) error {
	catalog, err := factory.LoadCatalog(path)
	if err != nil {
		return err
	}
	res, err := catalog.Apply(context.Background(), h.Charges, store, store)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.Info("seed catalog applied",
		zap.String("path", path),
		zap.Int("payment_methods", res.PaymentMethods),
		zap.Int("charges", res.Charges))
	return nil
}

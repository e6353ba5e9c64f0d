/*
main.go - Application entry point

PURPOSE:
  Starts the studio booking server: configuration, store selection,
  engine wiring, HTTP server and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags, load config (YAML file, .env, STUDIO_* env)
  2. Open the store (memory, sqlite, or postgres with migrations)
  3. Build the engine with policy, clock, logger, notifier, metrics
  4. Optionally load a package template catalog
  5. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config   YAML config file (optional)
  -catalog  JSON package template catalog to load at startup (optional)

EXAMPLES:
  ./server -config=config/example.yaml
  STUDIO_STORE_DRIVER=memory ./server
  STUDIO_STORE_DRIVER=postgres STUDIO_STORE_POSTGRES_DSN=postgres://... ./server

SEE ALSO:
  - config/config.go: settings and defaults
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/config"
	"github.com/warp/studio-engine/factory"
	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/metrics"
	"github.com/warp/studio-engine/store/postgres"
	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	catalogPath := flag.String("catalog", "", "JSON package template catalog to load at startup")
	flag.Parse()

	if err := run(*configPath, *catalogPath); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(configPath, catalogPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, pinger, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []studio.Option{
		studio.WithPolicy(studio.Policy{
			MaxOverdraft:     cfg.Booking.MaxOverdraft,
			LateCancelWindow: cfg.Booking.LateCancelWindow,
		}),
		studio.WithLocation(cfg.Location()),
		studio.WithLogger(log),
		studio.WithNotifier(logger.Notifier{Log: log}),
	}
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, studio.WithObserver(metrics.New(reg)))
		gatherer = reg
	}
	engine := studio.New(st, opts...)

	if catalogPath != "" {
		data, err := os.ReadFile(catalogPath)
		if err != nil {
			return fmt.Errorf("read catalog: %w", err)
		}
		n, err := factory.LoadCatalog(ctx, engine, data)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		log.Info("package catalog loaded", "templates", n)
	}

	handler := api.NewHandler(engine, cfg.Location(), log)
	router := api.NewRouter(handler, api.RouterOptions{Metrics: gatherer, Health: pinger})
	srv := api.NewServer(cfg.HTTP.Addr, router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Info("HTTP server started", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver, "metrics", cfg.Metrics.Enabled)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
	log.Info("graceful shutdown complete")
	return nil
}

// openStore returns the configured store, an optional health pinger and
// a close function.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (studio.TxStore, api.Pinger, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), nil, func() {}, nil

	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("postgres connected, migrations applied")
		s := postgres.New(pool)
		return s, s, pool.Close, nil

	default:
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info("sqlite opened", "path", cfg.Store.SQLitePath)
		return s, s, func() { _ = s.Close() }, nil
	}
}

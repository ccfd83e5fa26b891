package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/dashdag/internal/builtins"
	"github.com/rpattn/dashdag/internal/config"
	"github.com/rpattn/dashdag/internal/ctxlog"
	"github.com/rpattn/dashdag/internal/db"
	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/loader"
	"github.com/rpattn/dashdag/internal/module"
	"github.com/rpattn/dashdag/internal/registry"
	"github.com/rpattn/dashdag/internal/server"
	"github.com/rpattn/dashdag/internal/transformations"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Server exited with error.", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := ctxlog.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New()
	if err := reg.RegisterModules(builtins.Module{}); err != nil {
		return fmt.Errorf("failed to register builtins: %w", err)
	}

	mode, err := transformations.ParseMode(cfg.Executor.DefaultMode)
	if err != nil {
		return err
	}
	exec := transformations.NewExecutor(reg, store,
		transformations.WithConcurrentSiblings(cfg.Executor.ConcurrentSiblings),
		transformations.WithLogger(logger),
	)

	graphs := module.New(cfg.Graphs.Namespace, exec)
	endpoints, err := loader.LoadDir(cfg.Graphs.Dir)
	if err != nil {
		return fmt.Errorf("failed to load graphs: %w", err)
	}
	if err := graphs.Bind(endpoints); err != nil {
		return fmt.Errorf("failed to bind graphs: %w", err)
	}
	if err := graphs.RegisterFunctions(reg); err != nil {
		return fmt.Errorf("failed to register graph functions: %w", err)
	}
	logger.Info("Loaded graphs.", "namespace", graphs.Name(), "graphs", graphs.Names())

	srv := server.New(graphs, reg, store, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		LoaderWait:     cfg.Store.LoaderWait,
		DefaultMode:    mode,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server.", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-quit:
	}
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited.")
	return nil
}

// openStore builds the configured reducer-state backend behind a TTL cache.
func openStore(ctx context.Context, cfg config.Config) (kvstore.Store, func(), error) {
	var (
		backend kvstore.Store
		closer  = func() {}
	)

	switch cfg.Store.Backend {
	case "", "memory":
		if cfg.Store.StateFile == "" {
			backend = kvstore.NewMemory(nil)
			break
		}
		mem, err := kvstore.LoadMemoryFile(cfg.Store.StateFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load state file: %w", err)
		}
		slog.Info("Loaded reducer state.", "file", cfg.Store.StateFile, "keys", mem.Len())
		backend = mem
	case "postgres":
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.RunMigrations(cfg.Database); err != nil {
			conn.Close()
			return nil, nil, err
		}
		backend = kvstore.NewPostgres(conn.Pool)
		closer = conn.Close
	case "sqlite":
		lite, err := kvstore.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		backend = lite
		closer = func() {
			if err := lite.Close(); err != nil {
				slog.Warn("Failed to close sqlite store.", "error", err)
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	slog.Info("Opened reducer state store.", "backend", cfg.Store.Backend)
	if cfg.Store.CacheSize <= 0 {
		return backend, closer, nil
	}
	return kvstore.NewCached(backend, cfg.Store.CacheSize, cfg.Store.CacheTTL), closer, nil
}

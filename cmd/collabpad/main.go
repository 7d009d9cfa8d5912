package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabpad/collabpad/internal/config"
	"github.com/collabpad/collabpad/internal/diag"
	"github.com/collabpad/collabpad/internal/logger"
	"github.com/collabpad/collabpad/internal/padstore"
	"github.com/collabpad/collabpad/internal/room"
	"github.com/collabpad/collabpad/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "path to the JSON config file (defaults apply when empty)")
	listenAddr := flag.String("listen", "", "override the configured listen address")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error, none)")
	pprofAddr := flag.String("pprof", "", "serve /debug/pprof on this address (disabled when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if err := logger.Init(level, cfg.LogPath); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	if *pprofAddr != "" {
		profiler := diag.NewServer(*pprofAddr, logger.Global())
		if err := profiler.Start(); err != nil {
			return fmt.Errorf("start pprof server: %w", err)
		}
		defer func() {
			if stopErr := profiler.Stop(); stopErr != nil {
				logger.Warn("pprof server shutdown: %v", stopErr)
			}
		}()
	}

	store, err := padstore.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open pad store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := room.SpawnManager(ctx, cfg.Room, store, logger.Global())
	if err != nil {
		return fmt.Errorf("start room manager: %w", err)
	}

	server := web.NewServer(cfg.ListenAddr, cfg.Room, manager, logger.Global())
	if err := server.Start(); err != nil {
		return fmt.Errorf("start web server: %w", err)
	}

	logger.Info("collabpad running on %s", cfg.ListenAddr)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := server.Stop(); err != nil {
		logger.Warn("web server shutdown: %v", err)
	}

	// Give rooms a bounded window to save and tear down.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("room manager shutdown: %v", err)
	}

	logger.Info("collabpad stopped")
	return nil
}

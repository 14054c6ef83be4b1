package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/binshare/binshare/internal/config"
	"github.com/binshare/binshare/internal/protocol"
	"github.com/binshare/binshare/internal/server"
	"github.com/binshare/binshare/internal/storage"
	"github.com/binshare/binshare/internal/version"
	"go.uber.org/zap"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "./binshared.config.json", "path to server config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := protocol.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
		zap.String("version", version.Version),
	)

	store, err := storage.Open(cfg.Storage.DatabasePath, cfg.Storage.BranchCacheSize, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("database ready", zap.String("path", cfg.Storage.DatabasePath))

	files, err := storage.NewFileStore(cfg.Storage.FilesDir, logger)
	if err != nil {
		logger.Error("failed to open file store", zap.Error(err))
		os.Exit(1)
	}
	defer files.Close()

	srv := server.New(cfg, store, files, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
	os.Exit(0)
}

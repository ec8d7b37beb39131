package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cgfm/cert-manager-sub002/internal/api"
	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/crypto"
	"github.com/cgfm/cert-manager-sub002/internal/deploy"
	"github.com/cgfm/cert-manager-sub002/internal/scheduler"
	"github.com/cgfm/cert-manager-sub002/internal/services"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
	"github.com/cgfm/cert-manager-sub002/internal/vault"
	"github.com/cgfm/cert-manager-sub002/internal/watcher"
)

func main() {
	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := utils.NewLogger(config.LogLevel)
	logger.Infof("Starting certificate manager (env: %s)", config.Environment)

	provider := crypto.NewX509Provider(logger)

	passphraseVault, err := vault.New(filepath.Join(config.ConfigDir, "vault.json"), config.VaultMasterSecret)
	if err != nil {
		logger.Fatal("Failed to open passphrase vault:", err)
	}

	pipeline := deploy.NewPipeline(config, logger)
	store := certs.NewStore(config, logger, provider, passphraseVault, pipeline)
	sched := scheduler.New(config, logger, store)

	if err := store.Load(true, ""); err != nil {
		logger.Fatal("Failed to load certificates:", err)
	}
	logger.Infof("Loaded %d certificates from %s", store.Count(), config.CertsDir)

	metrics := services.NewMetricsService(config, logger, store, sched)
	pipeline.SetObserver(metrics.RecordDeployAction)
	sched.SetObserver(metrics.RecordRenewals)
	if err := metrics.Start(); err != nil {
		logger.Error("Failed to start metrics service:", err)
	}

	if err := sched.Start(); err != nil {
		logger.Fatal("Failed to start renewal scheduler:", err)
	}

	var dirWatcher *watcher.Watcher
	if config.WatcherEnabled {
		dirWatcher = watcher.New(config, logger, store, sched.IgnoreList())
		if err := dirWatcher.Start(); err != nil {
			logger.Fatal("Failed to start directory watcher:", err)
		}
	}

	server := api.NewServer(config, logger, store, sched)
	go func() {
		logger.Infof("API server listening on :%d", config.APIPort)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Infof("Received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GracefulShutdownTimeout)
	defer cancel()

	if dirWatcher != nil {
		dirWatcher.Stop()
	}
	sched.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error:", err)
	}
	if err := metrics.Stop(); err != nil {
		logger.Error("Metrics service shutdown error:", err)
	}

	logger.Info("Shutdown complete")
}

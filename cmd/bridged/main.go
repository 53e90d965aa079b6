package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spool-sync-bridge/config"
	"spool-sync-bridge/internal/api"
	"spool-sync-bridge/internal/device"
	"spool-sync-bridge/internal/inventory"
	"spool-sync-bridge/internal/mapping"
	"spool-sync-bridge/internal/sync"
)

// shutdownGrace bounds how long the status server may take to finish its
// in-flight requests after a shutdown signal. Device and inventory calls
// made by the engine run under the signal context and are cancelled as
// soon as the signal arrives.
const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration from %s: %w", configPath, err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info().Str("config", configPath).Msg("configuration loaded")
	logger.Info().Str("device", cfg.DeviceBaseURL()).Str("inventory", cfg.InventoryBaseURL()).Msg("bridge starting up")

	// Wire the components.
	dev, err := device.New(cfg.DeviceBaseURL(), cfg.Device.SecurityKey, cfg.Device.Timeout, logger)
	if err != nil {
		return err
	}
	inv := inventory.New(cfg.InventoryBaseURL(), cfg.InventoryWSURL(), cfg.Inventory.Timeout, cfg.Inventory.ReadIdle, logger)
	store := mapping.NewStore(cfg.Sync.MappingFilePath, logger)

	dial := func(ctx context.Context) (sync.EventSource, error) {
		return inv.DialEvents(ctx)
	}
	engine := sync.New(cfg.Sync, dev, inv, dial, store, logger)

	// Cancel on shutdown signals; both loops stop at their next
	// suspension point.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Status server, when enabled.
	var statusServer *http.Server
	if cfg.Status.Port > 0 {
		statusServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Status.Port),
			Handler: api.NewRouter(engine),
		}
		go func() {
			logger.Info().Int("port", cfg.Status.Port).Msg("status server listening")
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	runErr := engine.Run(ctx)

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("status server shutdown")
		}
	}

	// Force a final mapping save so nothing observed is lost.
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("final mapping save failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info().Msg("bridge stopped")
	return nil
}

// newLogger builds the process logger writing console output to stdout.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}

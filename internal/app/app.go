// Package app contains the shared, reusable logic for starting and
// stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Service is one of the two long-running servers: the operator API
// wrapper and the realtime WebSocket server.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run executes the main application lifecycle. It starts both servers,
// listens for OS signals, and performs a graceful shutdown of both.
func Run(ctx context.Context, logger zerolog.Logger, apiService, realtimeService Service) {
	var wg sync.WaitGroup
	wg.Add(2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting API service...")
		err := apiService.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("API service failed")
			cancel() // Trigger shutdown of the other service.
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting realtime service...")
		err := realtimeService.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Realtime service failed")
			cancel()
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	logger.Info().Msg("Shutting down realtime service...")
	if err := realtimeService.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Realtime service shutdown failed.")
	}

	logger.Info().Msg("Shutting down API service...")
	if err := apiService.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API service shutdown failed.")
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agt20-indexer/internal/api"
	"agt20-indexer/internal/config"
	"agt20-indexer/internal/indexer"
	"agt20-indexer/internal/storage"
	"agt20-indexer/internal/stream"
)

const (
	shutdownTimeout     = 30 * time.Second
	httpShutdownTimeout = 10 * time.Second
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled indexing and snapshot sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := mustConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	hub := stream.NewHub(nil, logger.Named("stream"))
	a, err := newApp(ctx, cfg, logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(api.Options{
		Indexer:    a.indexer,
		Store:      a.store,
		Archive:    a.archive,
		Stream:     hub,
		CronSecret: cfg.CronSecret,
		Logger:     logger.Named("api"),
	})
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to signal completion
	done := make(chan struct{})
	defer close(done)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", zap.Stringer("signal", sig))
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", zap.Stringer("signal", sig))
			os.Exit(1)
		case <-time.After(shutdownTimeout):
			logger.Error("graceful shutdown timed out, forcing exit", zap.Duration("timeout", shutdownTimeout))
			os.Exit(1)
		case <-done:
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", cfg.BindAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var wg sync.WaitGroup
	schedule(ctx, &wg, logger, indexer.ModeRun, cfg.RunInterval, func(ctx context.Context) error {
		_, err := a.indexer.Run(ctx)
		return err
	})
	if a.syncer != nil {
		schedule(ctx, &wg, logger, "snapshot", cfg.SnapshotInterval, func(ctx context.Context) error {
			_, err := a.syncer.Sync(ctx)
			return err
		})
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("HTTP server failed", zap.Error(serveErr))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Close()
	wg.Wait()

	logger.Info("shutdown complete")
	return serveErr
}

// schedule runs job immediately and then every interval until ctx is
// cancelled. A non-positive interval disables the job.
func schedule(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, name string, interval time.Duration, job func(context.Context) error) {
	if interval <= 0 {
		logger.Info("scheduled job disabled", zap.String("job", name))
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			switch err := job(ctx); {
			case err == nil:
			case errors.Is(err, indexer.ErrRunInProgress), errors.Is(err, storage.ErrLocked):
				logger.Info("scheduled job skipped, writer busy", zap.String("job", name))
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

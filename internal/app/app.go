// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nvwatch/nvwatch/internal/config"
	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/history"
	"github.com/nvwatch/nvwatch/internal/httpserver"
	"github.com/nvwatch/nvwatch/internal/nvml"
	"github.com/nvwatch/nvwatch/internal/procwatch"
	"github.com/nvwatch/nvwatch/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle: enumerate devices, start the
// sampling loop (plus the optional process watcher and HTTP server), and on
// clean shutdown flush the accumulated history to disk.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	return run(ctx, baseLogger, cfg, nvml.New(), os.Stdout)
}

func run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, lib nvml.Library, out io.Writer) error {
	appLogger := baseLogger.With("component", "app")

	devices := device.Discover(lib, baseLogger.With("component", "device_enumerator"))
	appLogger.Info("device enumeration complete", "count", len(devices))
	defer func() {
		if err := lib.Shutdown(); err != nil {
			appLogger.Debug("nvml shutdown", "err", err)
		}
	}()

	collector := sampler.NewCollector(lib, devices, baseLogger)
	store := history.NewStore(cfg.StatusFile)
	samplerManager, err := sampler.NewManager(cfg.PollInterval, collector, store, out, baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler manager: %w", err)
	}

	var procManager *procwatch.Manager
	if cfg.Proc.Enable && len(devices) > 0 {
		procManager, err = procwatch.NewManager(cfg.Proc, cfg.ProcRoot, lib, devices, baseLogger)
		if err != nil {
			return fmt.Errorf("init process watcher: %w", err)
		}
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(workerCtx)
	}()

	var procErrCh chan error
	if procManager != nil {
		procErrCh = make(chan error, 1)
		go func() {
			procErrCh <- procManager.Run(workerCtx)
		}()
	}

	var (
		srv       *httpserver.Server
		httpErrCh chan error
	)
	if cfg.EnableHTTP {
		srv = httpserver.New(cfg, baseLogger.With("component", "http"), devices, samplerManager, procManager, store)
		appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)
		httpErrCh = make(chan error, 1)
		go func() {
			httpErrCh <- srv.Start()
		}()
	}

	flush := func() error {
		if err := store.Flush(); err != nil {
			return fmt.Errorf("flush history: %w", err)
		}
		appLogger.Info("history flushed", "path", store.Path(), "records", store.Len())
		return nil
	}

	drainWorkers := func() error {
		workerCancel()
		if samplerErrCh != nil {
			if err := <-samplerErrCh; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			samplerErrCh = nil
		}
		if procErrCh != nil {
			if err := <-procErrCh; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			procErrCh = nil
		}
		return nil
	}

	for {
		select {
		case err := <-httpErrCh:
			// Listener failed or closed on its own; wind everything down.
			if drainErr := drainWorkers(); drainErr != nil {
				return drainErr
			}
			if err != nil {
				return err
			}
			return flush()
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case err := <-procErrCh:
			procErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					appLogger.Warn("http shutdown", "err", err)
				}
				cancel()
				if err := <-httpErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
					appLogger.Warn("http server", "err", err)
				}
			}

			if err := drainWorkers(); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

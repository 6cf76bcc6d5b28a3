package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	_ "github.com/JonMunkholm/bulkimport/internal/core/schemas" // Register all schema types
	"github.com/JonMunkholm/bulkimport/internal/logging"
	"github.com/JonMunkholm/bulkimport/internal/metrics"
	"github.com/JonMunkholm/bulkimport/internal/notify"
	"github.com/JonMunkholm/bulkimport/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env files are optional; real environment variables win.
	if n, err := config.LoadEnvFiles(config.DefaultEnvFiles...); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	} else if n > 0 {
		slog.Info("loaded .env files", "count", n)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"storage_driver", cfg.Database.Driver,
		"jobstore_driver", cfg.Redis.Driver,
		"object_store_driver", cfg.Storage.Driver,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	m := metrics.New()
	d.service.Observers = append(d.service.Observers, m)

	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.Dial(cfg.Notify.AMQPURL, cfg.Notify.Exchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		d.service.Observers = append(d.service.Observers, pub)
		slog.Info("publishing job notifications", "exchange", cfg.Notify.Exchange)
	}

	service, err := core.NewService(d.service, core.ServiceConfig{
		Coordinator: core.CoordinatorConfig{
			UploadURLExpiry: cfg.Upload.URLExpiry,
			DefaultMaxSize:  cfg.Upload.DefaultMaxSize,
		},
		Runner: core.RunnerConfig{
			BatchSize:        cfg.Import.BatchSize,
			ProgressEvery:    cfg.Import.ProgressEveryRows,
			ProgressInterval: cfg.Import.ProgressInterval,
			StallTimeout:     cfg.Import.StallTimeout,
			JobTimeout:       cfg.Import.JobTimeout,
			MaxFailedRecords: cfg.Import.MaxFailedRecords,
			MaxXLSXSize:      cfg.Import.MaxXLSXSize,
		},
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxWait:       cfg.Import.MaxWaitTime,
		Retention:     cfg.Import.Retention,
		SweepInterval: cfg.Import.SweepInterval,
	})
	if err != nil {
		return err
	}
	m.WatchLimiter(service.LimiterStatus)

	schemas := service.Schemas()
	for _, s := range schemas {
		slog.Debug("schema registered", "type", s.Type, "fields", len(s.Fields), "max_file_size", s.MaxFileSize)
	}
	slog.Info("schemas registered", "count", len(schemas))

	opts := web.Options{
		Metrics:   m,
		RateStore: d.rateStore,
		Ready:     d.ready,
	}
	if d.objects != nil {
		opts.Objects = d.objects
	}
	server := web.NewServer(service, cfg, opts)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	go service.StartMaintenanceScheduler(jobCtx)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	cancelJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop taking requests first, then let running jobs finish.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if status := service.LimiterStatus(); status.Active > 0 {
		slog.Info("waiting for imports to finish", "active", status.Active)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Warn("imports did not finish in time", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/audit"
	"github.com/ekaya-inc/ekaya-predict/pkg/config"
	"github.com/ekaya-inc/ekaya-predict/pkg/handlers"
	"github.com/ekaya-inc/ekaya-predict/pkg/middleware"
	"github.com/ekaya-inc/ekaya-predict/pkg/services"
	"github.com/ekaya-inc/ekaya-predict/pkg/watcher"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("base_url", cfg.BaseURL),
		zap.Strings("reference_files", cfg.Reference.Files),
		zap.String("model", cfg.Model.Path),
		zap.String("lookup_driver", cfg.Lookup.Driver),
		zap.String("activity_backend", cfg.Activity.Backend),
		zap.String("registry_backend", cfg.Registry.Backend),
		zap.Bool("sheets_export", cfg.Sheets.Enabled))

	// The runtime must load before serving: uploads are meaningless without
	// a schema, mapping and model.
	runtime := services.NewRuntimeHolder(services.RuntimeConfigFrom(cfg), logger)
	if _, err := runtime.Reload(ctx); err != nil {
		logger.Error("Startup failed: runtime could not be loaded", zap.Error(err))
		return err
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	store, registry, closeBackends, err := activityBackends(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer closeBackends()

	auditor := audit.NewSecurityAuditor(logger)
	activity := services.NewActivityService(store, registry, logger)
	search := services.NewSearchService(runtime, st.lookup, auditor, logger)
	exporter, err := predictionExporter(cfg, st, logger)
	if err != nil {
		return err
	}
	pipeline := services.NewPipelineService(runtime, activity, exporter, logger)

	var loader *services.LookupLoader
	if st.lookup != nil {
		loader = services.NewLookupLoader(st.lookup, services.LookupLoaderConfig{
			Files:           cfg.Reference.Files,
			BatchSize:       cfg.Lookup.BatchSize,
			CommitEveryRows: cfg.Lookup.CommitEveryRows,
		}, logger)
		if cfg.Lookup.LoadOnStart {
			if err := loader.Start(ctx); err != nil {
				logger.Warn("Could not start lookup load", zap.Error(err))
			}
		}
	}

	if cfg.Reference.Watch {
		w, err := watcher.New(cfg.WatchedFiles(),
			time.Duration(cfg.Reference.WatchDebounceMS)*time.Millisecond,
			func(ctx context.Context) error {
				_, err := runtime.Reload(ctx)
				return err
			}, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("File watcher stopped", zap.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewStatusHandler(runtime, search, logger).RegisterRoutes(mux)
	handlers.NewSearchHandler(search, logger).RegisterRoutes(mux)
	handlers.NewUserHandler(activity, logger).RegisterRoutes(mux)
	handlers.NewUploadHandler(pipeline, cfg.MaxUploadMB, logger).RegisterRoutes(mux)
	handlers.NewAdminHandler(ctx, runtime, loader, auditor, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.Stack(mux, logger.Named("http"), cfg.CORS.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-predict",
			zap.String("addr", server.Addr),
			zap.Bool("tls", cfg.TLSCertPath != ""),
			zap.String("version", cfg.Version))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("Server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
		return err
	}
	if loader != nil {
		if done := loader.Done(); done != nil {
			select {
			case <-done:
			case <-shutdownCtx.Done():
				logger.Warn("Lookup load still running at shutdown; committed batches are kept")
			}
		}
	}
	return nil
}

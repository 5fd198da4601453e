package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/api"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/auth"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/jobs"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/libvirt"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/metrics"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	cleanupInterval  = 10 * time.Minute
	journalRetention = 30 * 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and execute mirror runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open run journal: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close run journal")
		}
	}()

	// Runs interrupted by a restart cannot be resumed.
	if n, err := store.MarkInProgressRunsFailed(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to mark interrupted runs")
	} else if n > 0 {
		logrus.WithField("count", n).Warn("Marked interrupted runs as failed")
	}

	conn, err := libvirt.NewConnection(cfg.Libvirt)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close libvirt connection")
		}
	}()

	deps, err := provisionerDeps(cfg)
	if err != nil {
		return err
	}

	authValidator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize auth validator: %w", err)
	}

	collector := metrics.NewCollector()
	manager := jobs.NewManager(cfg, conn,
		jobs.WithJournal(store),
		jobs.WithMetrics(collector),
		jobs.WithProvisionerDeps(deps),
	)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	api.SetupRoutes(router, api.NewHandler(manager,
		api.WithLibvirt(conn),
		api.WithMetricsHandler(collector.Handler()),
		api.WithMaxConcurrent(cfg.Jobs.MaxConcurrent),
	), authValidator.Middleware())

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		TLSConfig:         authValidator.TLSConfig(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go pruneRuns(ctx, manager, store, cfg.Jobs.RetainCompleted)

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr": srv.Addr,
			"tls":  cfg.Server.CertFile != "",
		}).Info("Starting mirrord")

		var err error
		if cfg.Server.CertFile != "" {
			err = srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logrus.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logrus.Info("Server exited")
	return nil
}

// pruneRuns bounds the in-memory run table and the journal.
func pruneRuns(ctx context.Context, manager *jobs.Manager, store *storage.Store, retain int) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		forgotten := manager.CleanupCompletedRuns(retain)
		deleted, err := store.DeleteOldRuns(ctx, journalRetention)
		if err != nil {
			logrus.WithError(err).Warn("Failed to prune run journal")
		}
		if forgotten > 0 || deleted > 0 {
			logrus.WithFields(logrus.Fields{
				"forgotten": forgotten,
				"deleted":   deleted,
			}).Info("Pruned finished runs")
		}
	}
}

// fvsync webhook server
//
// Receives Filevine webhooks and mirrors the affected documents into S3.
// Full project syncs run in the background on the sync queue.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/api"
	"github.com/fvsync/fvsync/internal/app"
	"github.com/fvsync/fvsync/internal/config"
	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/webhook"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("FVSYNC_CONFIG"))
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("fvsync server starting...",
		zap.String("version", version),
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logging.Fatal("engine init failed", zap.Error(err))
	}
	if err := a.Writer.EnsureBucket(ctx); err != nil {
		logging.Warn("bucket check failed", zap.String("bucket", a.Writer.Bucket()), zap.Error(err))
	}

	orch, err := a.Orchestrator(nil)
	if err != nil {
		logging.Fatal("invalid sync options", zap.Error(err))
	}

	sched, closeDB, err := a.Scheduler(ctx, func(ctx context.Context, projectID int64) error {
		res, err := orch.FullSync(ctx, projectID)
		if err != nil {
			return err
		}
		logging.Info("background sync result",
			logging.ProjectID(projectID),
			zap.Int("documents", res.DocumentCount),
			zap.Int("uploaded", res.UploadedCount),
			zap.Int("failed", res.FailedCount))
		return nil
	})
	if err != nil {
		logging.Fatal("sync queue init failed", zap.Error(err))
	}
	defer closeDB()
	sched.Start(ctx)

	allowed, err := cfg.Sync.AllowedProjects()
	if err != nil {
		logging.Warn("ignoring invalid project allow-list", zap.Error(err))
		allowed = nil
	}
	if allowed != nil {
		logging.Info("project allow-list active", zap.Int("projects", len(allowed)))
	}

	router := webhook.NewRouter(orch, a.Remote, sched, allowed)
	hook := webhook.NewHandler(router, cfg.Server.WebhookJWTSecret)
	srv := api.NewServer(hook, sched, allowed, version)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
		sched.Stop()
		cancel()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-ctx.Done()
}

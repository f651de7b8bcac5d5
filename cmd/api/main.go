package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rars/api/internal/app"
	"rars/api/internal/config"
	"rars/api/internal/jobs"
	"rars/api/internal/platform"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := platform.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	rt, err := platform.Open(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer rt.Close()

	scheduler := jobs.NewScheduler(logger.Named("jobs"), 2*time.Minute)
	if err := scheduler.Add("reconcile_intents", cfg.ReconcileSchedule, rt.Service.ReconcileJob); err != nil {
		logger.Fatal("schedule reconcile", zap.Error(err))
	}
	if err := scheduler.Add("reindex_repository", "@daily", func(ctx context.Context) error {
		rt.Search.ReindexAllFromPG(ctx)
		return nil
	}); err != nil {
		logger.Fatal("schedule reindex", zap.Error(err))
	}
	scheduler.Start()
	go rt.Search.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(rt.Service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("RARS API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
}

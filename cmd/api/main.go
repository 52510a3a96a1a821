package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cinecredit/internal/config"
	"cinecredit/internal/infrastructure"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx, cfg, logger)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer cleanup()

	logger.Info("cinecredit starting",
		zap.String("api_addr", cfg.ApiAddr()),
		zap.String("grpc_addr", cfg.GRPCListenAddr()),
		zap.String("bus", cfg.BusProvider),
		zap.String("worker", cfg.WorkerProvider),
	)

	if err := app.Run(ctx); err != nil {
		logger.Error("application stopped with error", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
	logger.Info("cinecredit stopped")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

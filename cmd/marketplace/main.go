package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/app"
	"github.com/artisanmarket/marketplace/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level log.Level) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(level)
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		setupLogger(log.InfoLevel)
		log.WithError(err).Fatal("failed to load configuration")
	}
	level, err := cfg.Level()
	if err != nil {
		level = log.InfoLevel
	}
	setupLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"media_queue":  cfg.MediaQueueDriver,
	}).Info("starting marketplace")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("marketplace exited with error")
	}

	log.Info("marketplace stopped")
}

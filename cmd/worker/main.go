package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/example/weather-imagegen/api-go/internal/app"
	"github.com/example/weather-imagegen/api-go/internal/config"
	"github.com/example/weather-imagegen/api-go/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel)
	if cfg.QueueBackend == config.QueueMemory {
		log.Fatal("the memory queue is process local; run the api with WEATHER_RUN_WORKERS=true or pick redis or sqlite")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup")
	}
	defer a.Close()

	log.WithFields(logrus.Fields{
		"queue":       cfg.QueueBackend,
		"concurrency": cfg.WorkerConcurrency,
	}).Info("worker started")
	if err := a.RunConsumers(ctx); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}

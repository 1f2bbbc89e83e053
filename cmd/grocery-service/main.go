package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/app"
	"github.com/vladislavdragonenkov/grocery/internal/version"
)

// loadConfig читает GROCERY_* и настраивает логгер до старта приложения.
func loadConfig(getenv func(string) string) (app.Config, error) {
	cfg, err := app.LoadConfigFromEnv(getenv)
	if err != nil {
		return app.Config{}, err
	}
	if err := app.ConfigureLogger(cfg); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем grocery-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("grocery-service остановлен")
}

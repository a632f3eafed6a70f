package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/config"
	"github.com/Eng-MMustafa/location-monitor/internal/logger"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/store/gormdriver"
	"github.com/Eng-MMustafa/location-monitor/internal/store/jetstreamdriver"
	"github.com/Eng-MMustafa/location-monitor/internal/store/memory"
	"github.com/Eng-MMustafa/location-monitor/internal/store/mqttdriver"
	"github.com/Eng-MMustafa/location-monitor/internal/store/natsdriver"
	"github.com/Eng-MMustafa/location-monitor/internal/store/redisdriver"
	"github.com/Eng-MMustafa/location-monitor/internal/store/wsdriver"
	"github.com/Eng-MMustafa/location-monitor/internal/tracker"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(logger.Options{
		Level:    cfg.Logging.Level,
		JSON:     cfg.Logging.JSON,
		Console:  cfg.Logging.Console,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	log.Infof("[Trackerd] Starting location tracking engine, driver=%s", cfg.StorageDriver)

	driver, err := buildDriver(cfg, log)
	if err != nil {
		log.Fatalf("[Trackerd] %v", err)
	}

	engine := tracker.New(cfg, driver, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = engine.Init(ctx)
	cancel()
	if err != nil {
		log.Fatalf("[Trackerd] Failed to initialize: %v", err)
	}

	log.Info("[Trackerd] Engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("[Trackerd] Shutting down...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		log.Errorf("[Trackerd] Shutdown error: %v", err)
	}
	log.Info("[Trackerd] Stopped")
}

func buildDriver(cfg *config.Config, log *logrus.Logger) (store.Driver, error) {
	switch cfg.StorageDriver {
	case "memory":
		return memory.New(log), nil
	case "redis":
		return redisdriver.New(cfg.RedisURL, log), nil
	case "nats":
		return natsdriver.New(cfg.NATSURL, "track-engine", log), nil
	case "jetstream":
		return jetstreamdriver.New(cfg.NATSURL, log), nil
	case "mqtt":
		return mqttdriver.New(cfg.MQTTURL, log), nil
	case "websocket":
		return wsdriver.New(cfg.WSAddr, log), nil
	case "postgres":
		return gormdriver.New(cfg.DatabaseURL, log), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"deskrelay/api"
	"deskrelay/config"
	"deskrelay/logger"
	"deskrelay/service"
	"deskrelay/store"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to YAML config file")
		listen     = pflag.String("listen", "", "bind address (overrides config)")
		dbPath     = pflag.String("db", "", "sqlite database path (overrides config)")
		logLevel   = pflag.String("log-level", "", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.Setup(cfg.LogDir, cfg.LogLevel)
	log.Info("starting relay server")

	// A crypto stack that cannot round-trip must never relay anything.
	if err := service.SelfCheck(); err != nil {
		log.WithError(err).Fatal("crypto self check failed")
	}

	var db *store.Store
	if cfg.DatabasePath != "" {
		db, err = store.Open(cfg.DatabasePath)
		if err != nil {
			log.WithError(err).Warn("persistence disabled")
			db = nil
		} else {
			defer db.Close()
		}
	}

	events := service.NewEventBus(256)
	var deviceStore service.DeviceStore
	var sessionLog service.SessionLog
	if db != nil {
		deviceStore = db
		sessionLog = db
	}

	registry := service.NewRegistry(cfg.HeartbeatTimeout.Std(), cfg.OfflineRetention.Std(), deviceStore, events, log)
	sessions := service.NewSessionManager(registry, cfg.PendingTimeout.Std(), sessionLog, events, log)
	pipeline := service.NewPipeline(sessions, registry, cfg.FrameQueueDepth, log)
	relay := api.NewRelay(registry, sessions, pipeline, events, cfg.MaxFrameBytes, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx)
	go drainEvents(events, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, relay)

	log.WithField("listen", cfg.Listen).Info("relay listening")
	if err := router.Run(cfg.Listen); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

// drainEvents mirrors the relay event stream into the log. Nothing else
// consumes the bus in the server build; clients embed their own.
func drainEvents(events *service.EventBus, log *logrus.Logger) {
	for ev := range events.Events() {
		log.WithFields(logrus.Fields{
			"kind":       string(ev.Kind),
			"device_id":  ev.DeviceID,
			"session_id": ev.SessionID,
			"state":      ev.State,
			"reason":     ev.Reason,
		}).Debug("relay event")
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/eventsource/kafkafeed"
	"chatsync/internal/httpserver"
	"chatsync/internal/logging"
	"chatsync/internal/service"
	"chatsync/internal/store/pebblestore"
	"chatsync/internal/store/sqlite"
	"chatsync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	log := logging.Component("feedd")

	var (
		store   domain.Store
		cleanup func() error
	)
	switch cfg.StoreBackend {
	case "pebble":
		pb, err := pebblestore.Open(cfg.PebblePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.PebblePath).Msg("failed to open pebble store")
		}
		store = pb
		cleanup = pb.Close
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("failed to open sqlite store")
		}
		if err := sqlite.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		store = sqlite.NewStore(db)
		cleanup = db.Close
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Error().Err(err).Msg("store close failed")
		}
	}()

	hub := ws.NewHub()

	var extraSinks []service.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		mirror, err := kafkafeed.NewMirror(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start kafka mirror")
		}
		defer mirror.Close()
		extraSinks = append(extraSinks, mirror)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka mirror enabled")
	}

	router := httpserver.NewRouter(cfg, store, hub, extraSinks...)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Str("backend", cfg.StoreBackend).Msg("starting feed server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tradeflow/api"
	"tradeflow/config"
	"tradeflow/decision"
	"tradeflow/events"
	"tradeflow/logger"
	"tradeflow/store"
	"tradeflow/trader"
)

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	logStream := logger.NewBroadcaster()
	var sink zerolog.LevelWriter
	if cfg.LogPretty {
		sink = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, logStream)
	} else {
		sink = zerolog.MultiLevelWriter(os.Stderr, logStream)
	}
	zlog.Logger = zlog.Output(sink)
	log := zlog.With().Str("component", "main").Logger()

	if err := store.Init(cfg.DataDir, zlog.Logger); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	templates, err := decision.LoadTemplates(cfg.PromptsDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.PromptsDir).Msg("failed to load prompt templates")
	}

	hub := events.NewHub()
	go hub.Run()

	sup := trader.NewSupervisor(cfg, templates, hub)

	// Single-operator deployments keep everything under one user row; an
	// admin_mode flag in system_config switches to the shared admin user.
	user := "default"
	if mode, err := store.NewSystemConfigStore().Get("admin_mode"); err == nil && mode == "true" {
		user = "admin"
	}
	if err := sup.LoadForUser(user); err != nil {
		log.Error().Err(err).Str("user", user).Msg("failed to load traders")
	}
	sup.StartAll()

	server := api.NewServer(cfg.APIPort, sup, hub, logStream, cfg)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("API server exited")
		}
	}()
	log.Info().Str("port", cfg.APIPort).Msg("ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	sup.StopAll()
	log.Info().Msg("goodbye")
}

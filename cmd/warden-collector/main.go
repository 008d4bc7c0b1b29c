package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucid-vigil/warden/pkg/collector/server"
	"github.com/lucid-vigil/warden/pkg/collector/store"
	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/logger"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitLogger(cfg.LogLevel)
	log.Info().Msg("Warden collector starting...")

	st, err := store.Open(cfg.Collector.DBPath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Collector.DBPath).Msg("Failed to open database")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
		cancel()
	}()

	srv := server.NewServer(cfg.Collector, st, log.Logger)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Collector server failed")
	}

	log.Info().Msg("Warden collector stopped.")
}

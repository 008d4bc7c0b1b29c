package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/lucid-vigil/warden/pkg/logger"
	"github.com/lucid-vigil/warden/pkg/monitors/authlog"
	"github.com/lucid-vigil/warden/pkg/monitors/cmdhistory"
	"github.com/lucid-vigil/warden/pkg/monitors/fim"
	"github.com/lucid-vigil/warden/pkg/monitors/procstat"
	"github.com/lucid-vigil/warden/pkg/monitors/sessions"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitLogger(cfg.LogLevel)
	log.Info().Msg("Warden agent starting...")

	creds, err := config.LoadCredentials(cfg.Agent.CredentialsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Agent.CredentialsPath).
			Msg("No agent credentials; enroll this host first")
	}

	dispatcher, err := dispatch.NewDispatcher(cfg.Agent, creds)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event dispatcher")
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
		cancel()
	}()

	stateDir := cfg.Agent.StateDir
	sched := scheduler.NewScheduler(cfg)
	sched.RegisterMonitor(sessions.NewTracker(log.Logger, dispatcher, stateDir))
	sched.RegisterMonitor(authlog.NewWatcher(log.Logger, dispatcher, stateDir))
	sched.RegisterMonitor(cmdhistory.NewTailer(log.Logger, dispatcher, stateDir))
	sched.RegisterMonitor(fim.NewWatcher(log.Logger, dispatcher, stateDir))
	sched.RegisterMonitor(procstat.NewReporter(log.Logger, dispatcher))

	sched.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("Warden agent stopped.")
	time.Sleep(1 * time.Second)
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/config"
	"github.com/TFMV/guardian/pkg/guardian/service"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env-file", ".env", "Path to a .env file, ignored when missing")
	flag.Parse()

	if err := godotenv.Load(*envFile); err == nil {
		log.Info().Str("path", *envFile).Msg("Loaded environment file")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := config.SetupLogging(&cfg.Logging); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create guardian service")
	}

	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start guardian service")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, stopping guardian...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Guardian did not stop cleanly")
		os.Exit(1)
	}
	log.Info().Msg("Guardian stopped, goodbye!")
}

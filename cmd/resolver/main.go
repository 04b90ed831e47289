package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oilwatch/refinery-intel/internal/config"
	"github.com/oilwatch/refinery-intel/internal/db"
	"github.com/oilwatch/refinery-intel/internal/geocache"
	"github.com/oilwatch/refinery-intel/internal/geocode"
	"github.com/oilwatch/refinery-intel/internal/observability"
	"github.com/oilwatch/refinery-intel/internal/registry"
	"github.com/oilwatch/refinery-intel/internal/resolver"
)

func main() {
	// Setup logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setLogLevel(cfg.LogLevel)

	start, err := time.Parse(time.RFC3339, cfg.MatchStart)
	if err != nil {
		logger.Fatal().Err(err).Str("value", cfg.MatchStart).Msg("Invalid MATCH_START")
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// Connect to database and apply migrations
	database, err := db.New(ctx, cfg.PostgresDSN, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Start health server
	healthServer := observability.NewServer(database, cfg.HealthPort, &logger)

	go func() {
		logger.Info().Int("port", cfg.HealthPort).Msg("Starting health server")

		if err := healthServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Health server error")
		}
	}()

	// Assemble the resolution pipeline
	assets, err := registry.Load(ctx, database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load asset registry")
	}

	geocoder := geocode.New(geocode.Config{
		BaseURL:     cfg.GeocodeBaseURL,
		RPS:         cfg.GeocodeRPS,
		Timeout:     cfg.GeocodeTimeout,
		MaxAttempts: cfg.GeocodeAttempts,
		RetryWait:   cfg.GeocodeRetryWait,
		CanaryName:  cfg.GeocodeCanaryName,
	}, &logger)

	cache := geocache.New(database, geocoder, &logger)
	res := resolver.New(assets, cache, &logger)
	runner := resolver.NewRunner(database, res, start, &logger)

	logger.Info().Msg("Starting resolver")

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Resolver error")
	}

	logger.Info().Msg("Resolver finished")
}

// setLogLevel sets the global log level based on the configuration.
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/oilwatch/refinery-intel/internal/clustering"
	"github.com/oilwatch/refinery-intel/internal/config"
	"github.com/oilwatch/refinery-intel/internal/db"
	"github.com/oilwatch/refinery-intel/internal/observability"
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

	// The correlation matrix is computed once and persisted; later runs
	// reuse the stored copy.
	matrix, err := clustering.EnsureMatrix(ctx, database, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare event correlation matrix")
	}

	engine := clustering.NewEngine(database, matrix, clustering.Config{
		TimeThresholdDays:     cfg.TimeThresholdDays,
		UnsplitThresholdDays:  cfg.UnsplitThresholdDays,
		EventsCorrThreshold:   cfg.EventsCorrThreshold,
		EventsSubsplit:        cfg.EventsSubsplit,
		EventsSubsplitMinSize: cfg.EventsSubsplitMinSize,
	}, &logger)

	logger.Info().Msg("Starting clustering")

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Clustering error")
	}

	logger.Info().Msg("Clustering finished")
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

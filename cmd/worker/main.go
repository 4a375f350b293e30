package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/ai"
	"github.com/story-loom/pipeline/internal/config"
	"github.com/story-loom/pipeline/internal/database"
	"github.com/story-loom/pipeline/internal/events"
	"github.com/story-loom/pipeline/internal/failures"
	"github.com/story-loom/pipeline/internal/media"
	"github.com/story-loom/pipeline/internal/orchestrator"
	"github.com/story-loom/pipeline/internal/persist"
	"github.com/story-loom/pipeline/internal/queue"
	"github.com/story-loom/pipeline/internal/storage"
	"github.com/story-loom/pipeline/internal/worker"
	"github.com/story-loom/pipeline/migrations"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Starting generation worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Migrations are idempotent, so api and worker can boot in any order.
	if err := migrations.Run(context.Background(), db.DB); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	q, err := queue.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize queue")
	}
	defer q.Close()

	uploader, err := storage.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize blob storage")
	}

	recorder := failures.NewRecorder(database.NewFailedJobRepository(db), cfg.SlackWebhook, cfg.WorkerMaxRetries)
	runner := orchestrator.New(ai.New(cfg), recorder)
	coordinator := persist.NewCoordinator(database.NewJobRepository(db), q, recorder, cfg.SkipPersistence)
	generator := media.NewGenerator(cfg)
	composer := media.NewComposer(uploader, cfg.VideoFPS)

	producer := events.NewProducer(cfg)
	defer producer.Close()

	w := worker.New(cfg, q, db, runner, coordinator, generator, composer, uploader, recorder, producer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker loop error")
	}
	log.Info().Msg("Worker exited")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/config"
	"github.com/story-loom/pipeline/internal/database"
	"github.com/story-loom/pipeline/internal/queue"
	"github.com/story-loom/pipeline/internal/scheduler"
	"github.com/story-loom/pipeline/internal/services"
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

	log.Info().Msg("Starting weekly story scheduler")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := migrations.Run(context.Background(), db.DB); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	q, err := queue.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize queue")
	}
	defer q.Close()

	dispatchService := services.NewDispatchService(db, q)
	sched := scheduler.New(database.NewScheduleRepository(db), dispatchService, cfg.SchedulerSpec)

	// Catch up on rows missed while the process was down. DueToday skips
	// anything already dispatched today, so this is safe after every restart.
	sched.RunOnce(context.Background())

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down scheduler...")
	sched.Stop()
	log.Info().Msg("Scheduler exited")
}

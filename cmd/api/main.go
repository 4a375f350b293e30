package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/auth"
	"github.com/story-loom/pipeline/internal/config"
	"github.com/story-loom/pipeline/internal/database"
	"github.com/story-loom/pipeline/internal/handlers"
	"github.com/story-loom/pipeline/internal/queue"
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

	log.Info().Msg("Starting generation dispatch API")

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
	h := handlers.NewHandler(dispatchService, db)
	authService := auth.NewService(database.NewUserRepository(db), cfg.AuthEnabled)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	api := r.PathPrefix("/generation").Subrouter()
	api.Use(authService.Middleware)
	api.HandleFunc("/story-script", h.DispatchStoryScript).Methods("POST")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/watch", h.WatchJob).Methods("GET")

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down API...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("API exited")
}

// Package main BlueBridge API
//
// BlueBridge API provides REST endpoints for classic Bluetooth peripherals:
// adapter control, device discovery, PIN and agent-based pairing, and RFCOMM
// serial sessions with message exchange.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bluebridge-api/internal/config"
	"bluebridge-api/internal/handlers"
	"bluebridge-api/internal/managers"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Info().Str("version", cfg.Version).Str("adapter", cfg.AdapterName).Msg("Starting BlueBridge API")

	// Create managers and handlers
	bluetooth := managers.NewBluetoothManager(cfg)
	h := handlers.NewHandlers(cfg, bluetooth)
	btHandler := handlers.NewBluetoothHandler(cfg, bluetooth)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/health", h.Health)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/bluetooth", btHandler.Routes())
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: r,
	}

	// RFCOMM sessions hold open sockets; tear them down on shutdown.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("Shutting down")

		bluetooth.DisconnectAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr()).Msg("Listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-done
}

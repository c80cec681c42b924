package main

import (
	"context"
	"net/http"

	"github.com/jtan86/cryptodesk/internal/api"
	"github.com/jtan86/cryptodesk/internal/auth"
	"github.com/jtan86/cryptodesk/internal/botrun"
	"github.com/jtan86/cryptodesk/internal/config"
	"github.com/jtan86/cryptodesk/internal/db"
	"github.com/jtan86/cryptodesk/internal/stream"
	"github.com/jtan86/cryptodesk/internal/trading"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Main entry point: sets up database, services, and HTTP server
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL)
	tradingService := trading.New(database, logger.Named("trading"))
	runner := botrun.New(database, tradingService, logger.Named("bots"))
	feed := stream.NewHandler(database, cfg.StreamInterval, logger.Named("stream"))
	handler := api.NewHandler(database, tradingService, runner, authService, logger.Named("api"))

	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Mount("/", handler.Routes(feed))

	logger.Info("starting server", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// cmd/signald/main.go
// Package main implements the entry point for the signal service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalapi/signal-service/internal/auth"
	"github.com/signalapi/signal-service/internal/config"
	"github.com/signalapi/signal-service/internal/identity"
	"github.com/signalapi/signal-service/internal/media"
	"github.com/signalapi/signal-service/internal/schema"
	"github.com/signalapi/signal-service/internal/server"
	"github.com/signalapi/signal-service/internal/service"
	"github.com/signalapi/signal-service/internal/storage"
	"github.com/signalapi/signal-service/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(telemetry.NewLogHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	slog.SetDefault(logger)

	// Spans go to stderr so stdout stays one JSON log record per line
	tp, err := telemetry.InitTracer(os.Stderr, version)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx, tp)
	}()

	seed := storage.Seed{Types: cfg.SeedTypes, UserRegions: cfg.SeedUserRegions}

	// Initialize record storage (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN, seed)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("SIGNAL_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory(seed)
	}
	defer store.Close()

	// Initialize image storage (S3 or local directory)
	var images media.Store
	if cfg.UseS3() {
		images, err = media.NewS3Store(context.Background(), cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
	} else {
		images, err = media.NewFileStore(cfg.ImageDir)
	}
	if err != nil {
		logger.Error("failed to initialize image storage", "error", err)
		os.Exit(1)
	}

	// Moderator regions come from the identity service when configured
	var regions storage.RegionDirectory = store
	if cfg.IdentityURL != "" {
		regions = identity.New(cfg.IdentityURL)
	}

	var verifier auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.HMAC{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience}
	} else {
		verifier = auth.NewJWKSVerifier(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
	}

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to load schemas", "error", err)
		os.Exit(1)
	}

	svc := service.New(store, store, regions, images, validator, service.Options{
		MaxImageSize:     cfg.MaxImageSize,
		AllowedMimeTypes: cfg.AllowedMimeTypes,
		Logger:           logger,
	})
	mux := server.NewMux(svc, verifier, store, server.Options{
		MaxImageSize:       cfg.MaxImageSize,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second, // Uploads
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version,
			"s3", cfg.UseS3(), "postgres", cfg.DatabaseDSN != "")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}

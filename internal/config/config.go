// Package config provides configuration loading and management for the signal service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// so OS env > .env.local > .env.
func init() {
	// Load .env.local first so it wins over the shared .env
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the signal service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store

	// Image storage
	ImageDir    string // Directory for the filesystem blob store
	S3Endpoint  string // S3-compatible endpoint; with S3Bucket it selects the S3 blob store
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Authentication
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWTSecret   string // Shared HS256 secret; when set JWKS is not used
	JWKSURL     string // JWKS endpoint for EdDSA tokens

	IdentityURL string // Identity service URL for username -> region lookups

	// Media limits
	MaxImageSize     int64    // Maximum image size in bytes (default 10MB)
	AllowedMimeTypes []string // Allowed image MIME types

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)

	// Reference data seeded at start-up
	SeedTypes       []string          // Type catalog entries
	SeedUserRegions map[string]string // username -> region
}

// Default configuration values used when environment variables are not set
const (
	defaultPort     = "8080"
	defaultS3Region = "us-east-1"
	defaultEnv      = "dev"
	defaultImageDir = "signal_images"
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("SIGNAL_ENV", defaultEnv),
		Port:        getEnv("SIGNAL_PORT", defaultPort),
		DatabaseDSN: os.Getenv("SIGNAL_DB_DSN"),
		ImageDir:    getEnv("SIGNAL_IMAGE_DIR", defaultImageDir),
		S3Endpoint:  os.Getenv("SIGNAL_S3_ENDPOINT"),
		S3Region:    getEnv("SIGNAL_S3_REGION", defaultS3Region),
		S3Bucket:    os.Getenv("SIGNAL_S3_BUCKET"),
		S3AccessKey: os.Getenv("SIGNAL_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("SIGNAL_S3_SECRET_KEY"),
		JWTIssuer:   os.Getenv("SIGNAL_JWT_ISSUER"),
		JWTAudience: os.Getenv("SIGNAL_JWT_AUDIENCE"),
		JWTSecret:   os.Getenv("SIGNAL_JWT_SECRET"),
		JWKSURL:     os.Getenv("SIGNAL_JWKS_URL"),
		IdentityURL: os.Getenv("SIGNAL_IDENTITY_URL"),
	}

	// Handle media limits
	cfg.MaxImageSize = 10 * 1024 * 1024
	if v := os.Getenv("SIGNAL_MAX_IMAGE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("SIGNAL_MAX_IMAGE_SIZE must be a positive integer, got %q", v)
		}
		cfg.MaxImageSize = size
	}

	cfg.AllowedMimeTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	if v := os.Getenv("SIGNAL_ALLOWED_MIME_TYPES"); v != "" {
		cfg.AllowedMimeTypes = splitList(v)
	}

	if v := os.Getenv("SIGNAL_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	cfg.SeedTypes = []string{"pothole", "flood", "garbage", "lighting"}
	if v := os.Getenv("SIGNAL_TYPES"); v != "" {
		cfg.SeedTypes = splitList(v)
	}

	regions, err := parseUserRegions(os.Getenv("SIGNAL_USER_REGIONS"))
	if err != nil {
		return cfg, err
	}
	cfg.SeedUserRegions = regions

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("SIGNAL_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("SIGNAL_JWT_AUDIENCE is required")
	}

	if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	return cfg, nil
}

// UseS3 reports whether images should be stored in S3 rather than on disk.
func (c Config) UseS3() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// splitList splits a comma-separated value, trimming whitespace and dropping empty items
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseUserRegions parses "alice=Analamanga,bob=Itasy"
func parseUserRegions(v string) (map[string]string, error) {
	regions := make(map[string]string)
	for _, pair := range splitList(v) {
		user, region, ok := strings.Cut(pair, "=")
		user, region = strings.TrimSpace(user), strings.TrimSpace(region)
		if !ok || user == "" || region == "" {
			return nil, fmt.Errorf("SIGNAL_USER_REGIONS: invalid entry %q, want user=region", pair)
		}
		regions[user] = region
	}
	return regions, nil
}

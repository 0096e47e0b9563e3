// Package config loads and validates the environment configuration shared by
// the server and worker binaries. Flags defined in cmd/ override environment
// variables; environment variables override defaults.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds every recognized runtime option. It is populated once at
// startup and treated as read-only afterwards.
type Config struct {
	// HTTPAddr is the listen address of the ingress HTTP server.
	HTTPAddr string

	// RedisURL is the connection URL of the shared key-value store. Required.
	RedisURL string

	// DatabaseURL is the PostgreSQL DSN. Required in production; tests use
	// SQLite via DBDriver = "sqlite".
	DatabaseURL string

	// DBDriver selects the relational driver: "postgres" or "sqlite".
	DBDriver string

	// ServiceSecret authenticates service-to-service callers via the
	// X-Service-Token header. When empty a warning is logged and all
	// non-public routes reject requests.
	ServiceSecret string

	// EncryptionKey is the decoded AES-256 key for credentials at rest.
	// Nil when API_KEY_ENCRYPTION_KEY is absent, which disables BYOK.
	EncryptionKey []byte

	// CORSOrigins is the list of allowed browser origins.
	CORSOrigins []string

	// GatewayURL is the public base URL under which staged attachments and
	// avatars are reachable by workers and clients.
	GatewayURL string

	// OpenRouterKey is the system API key used in guest mode and for the
	// auxiliary jobs (transcription, image description, embeddings).
	OpenRouterKey string

	// OpenRouterURL overrides the provider base URL; empty uses the default.
	OpenRouterURL string

	// DataDir is the root of the shared blob volume. Avatars live in
	// DataDir/avatars, staged attachments in DataDir/temp-attachments.
	DataDir string

	// Env is the deployment environment ("development" enables verbose
	// prompt-assembly logging).
	Env string

	// LogLevel controls the zap logger ("debug", "info", "warn", "error").
	LogLevel string
}

// Load reads the environment and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      envOrDefault("HTTP_ADDR", ":3000"),
		RedisURL:      os.Getenv("REDIS_URL"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DBDriver:      envOrDefault("DB_DRIVER", "postgres"),
		ServiceSecret: os.Getenv("INTERNAL_SERVICE_SECRET"),
		GatewayURL:    firstNonEmpty(os.Getenv("PUBLIC_GATEWAY_URL"), os.Getenv("GATEWAY_URL")),
		OpenRouterKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterURL: os.Getenv("OPENROUTER_BASE_URL"),
		DataDir:       envOrDefault("DATA_DIR", "/data"),
		Env:           envOrDefault("NODE_ENV", "production"),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	key, err := ParseEncryptionKey(os.Getenv("API_KEY_ENCRYPTION_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("config: REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	return cfg, nil
}

// ParseEncryptionKey validates and decodes the BYOK encryption key. The key
// must be exactly 64 hexadecimal characters (a 32-byte AES-256 key) or absent.
// An empty input returns (nil, nil), which disables bring-your-own-key support.
func ParseEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("config: API_KEY_ENCRYPTION_KEY must be exactly 64 hex characters, got %d", len(raw))
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: API_KEY_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// AvatarsDir returns the persistent avatar cache directory.
func (c *Config) AvatarsDir() string {
	return filepath.Join(c.DataDir, "avatars")
}

// TempAttachmentsDir returns the ephemeral attachment staging directory.
func (c *Config) TempAttachmentsDir() string {
	return filepath.Join(c.DataDir, "temp-attachments")
}

// EnsureDirs creates the blob directories if they do not exist. Called once
// at startup by both binaries.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.AvatarsDir(), c.TempAttachmentsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// Development reports whether verbose development behavior is enabled.
func (c *Config) Development() bool {
	return c.Env == "development"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

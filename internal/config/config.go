// Package config loads server settings from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmynk/groupchat/internal/models"
)

const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Config holds the server settings.
type Config struct {
	HTTPAddr string

	Store    string
	DBPath   string
	MongoURI string
	MongoDB  string

	// RedisAddr, when set, shares events and logouts between instances.
	RedisAddr string

	JWTSecret       string
	GeneratedSecret bool // JWTSecret was not configured
	TokenTTL        time.Duration
	SessionKey      []byte
	CookieSecure    bool // only set when clients reach the server over HTTPS

	AllowedOrigins    []string
	DefaultMaxMembers int

	LogLevel  string
	LogFormat string
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:          ":8080",
		Store:             StoreSQLite,
		DBPath:            "./data/groupchat.db",
		MongoURI:          "mongodb://localhost:27017",
		MongoDB:           "groupchat",
		TokenTTL:          24 * time.Hour,
		AllowedOrigins:    []string{"http://localhost:8080"},
		DefaultMaxMembers: models.DefaultMaxMembers,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// FromEnv reads the configuration from environment variables, falling back
// to defaults for unset ones. Secrets that are not configured are generated
// per process, so tokens and cookies do not survive a restart.
func FromEnv() (*Config, error) {
	cfg := defaultConfig()

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.Store = strings.ToLower(getEnv("STORE", cfg.Store))
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDB = getEnv("MONGO_DB", cfg.MongoDB)
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))

	if ttl := os.Getenv("TOKEN_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_TTL %q: %w", ttl, err)
		}
		cfg.TokenTTL = d
	}

	if secure := os.Getenv("COOKIE_SECURE"); secure != "" {
		v, err := strconv.ParseBool(secure)
		if err != nil {
			return nil, fmt.Errorf("invalid COOKIE_SECURE %q: %w", secure, err)
		}
		cfg.CookieSecure = v
	}

	if n := os.Getenv("DEFAULT_MAX_MEMBERS"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_MAX_MEMBERS %q: %w", n, err)
		}
		cfg.DefaultMaxMembers = v
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		secret, err := randomBytes(32)
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = hex.EncodeToString(secret)
		cfg.GeneratedSecret = true
	}

	if key := os.Getenv("SESSION_KEY"); key != "" {
		cfg.SessionKey = []byte(key)
	} else {
		key, err := randomBytes(32)
		if err != nil {
			return nil, err
		}
		cfg.SessionKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite store")
		}
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDB == "" {
			return fmt.Errorf("MONGO_URI and MONGO_DB are required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown STORE %q, want %s or %s", c.Store, StoreSQLite, StoreMongo)
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.DefaultMaxMembers < 1 || c.DefaultMaxMembers > models.MaxGroupSize {
		return fmt.Errorf("DEFAULT_MAX_MEMBERS must be between 1 and %d, got %d", models.MaxGroupSize, c.DefaultMaxMembers)
	}
	// securecookie hash keys should be 32 or 64 bytes
	if len(c.SessionKey) < 32 {
		return fmt.Errorf("SESSION_KEY must be at least 32 bytes")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q, want text or json", c.LogFormat)
	}
	return nil
}

func parseOrigins(origins string) []string {
	var out []string
	for _, part := range strings.Split(origins, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return b, nil
}

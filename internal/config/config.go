// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Empty means the in-memory store.
	DatabaseURL string

	// Redis settings. Empty disables the stream resumption buffer.
	RedisURL        string
	StreamBufferTTL time.Duration

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	AuthDisabled      bool // Development mode: every request runs as the shared owner.

	// Model provider settings.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultModel    string
	MaxTokens       int

	// Assistant bootstrap.
	AssistantsFile string // YAML manifest of shared assistants synced at startup.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	RateLimitPerMinute  int // 0 disables rate limiting.
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("RENGA_PORT", 8080),
		ReadTimeout:         envDuration("RENGA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("RENGA_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		RedisURL:            envStr("REDIS_URL", ""),
		StreamBufferTTL:     envDuration("RENGA_STREAM_BUFFER_TTL", 10*time.Minute),
		JWTPrivateKeyPath:   envStr("RENGA_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("RENGA_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("RENGA_JWT_EXPIRATION", 24*time.Hour),
		AuthDisabled:        envBool("RENGA_AUTH_DISABLED", false),
		AnthropicAPIKey:     envStr("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		DefaultModel:        envStr("RENGA_DEFAULT_MODEL", "claude-sonnet-4-5"),
		MaxTokens:           envInt("RENGA_MAX_TOKENS", 4096),
		AssistantsFile:      envStr("RENGA_ASSISTANTS_FILE", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "renga"),
		LogLevel:            envStr("RENGA_LOG_LEVEL", "info"),
		RateLimitPerMinute:  envInt("RENGA_RATE_LIMIT_PER_MINUTE", 0),
		MaxRequestBodyBytes: int64(envInt("RENGA_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: RENGA_PORT must be a valid port")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: RENGA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("config: RENGA_RATE_LIMIT_PER_MINUTE must be non-negative")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

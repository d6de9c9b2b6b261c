// Package config loads service configuration from environment-style
// key/value settings, with a .env file honored during development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultListenAddr = ":8080"

	DefaultQuotaDefault  = "100/minute"
	DefaultQuotaAuth     = "10/minute"
	DefaultQuotaAnalysis = "10/minute"

	DefaultCacheMaxEntries = 10000
	DefaultCacheTTL        = 24 * time.Hour

	// Outbound bucket defaults are tuned to the provider's published
	// 60 requests/minute quota with headroom for short bursts.
	DefaultBucketCapacity   = 5
	DefaultBucketRefillRate = 1.0

	DefaultMaxAttempts     = 4
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
	DefaultJitterFactor    = 0.2

	DefaultProviderTimeout = 60 * time.Second
	DefaultProviderModel   = "gpt-4o-mini"
)

// Config is the full service configuration, loaded once at startup.
type Config struct {
	Server    ServerConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Bucket    BucketConfig
	Retry     RetryConfig
	Provider  ProviderConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr string
}

// RateLimitConfig holds inbound limiter settings. Quotas are the raw
// "<limit>/<window>" strings; internal/ratelimit parses and validates
// them when the limiter is constructed.
type RateLimitConfig struct {
	Enabled       bool
	QuotaDefault  string
	QuotaAuth     string
	QuotaAnalysis string

	// RedisAddr enables the shared counter backend when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool
	MaxEntries int
	TTL        time.Duration
}

// BucketConfig holds the outbound token bucket settings. The quota is
// process-wide, not per client.
type BucketConfig struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// RetryConfig controls outbound backoff behavior. JitterFactor is the
// proportional jitter applied around each computed delay (0.2 = ±20%).
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// ProviderConfig holds AI provider connection settings.
type ProviderConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win over file values.
func Load() (*Config, error) {
	// Missing .env is the normal production case, not an error.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: envString("LISTEN_ADDR", DefaultListenAddr),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", true),
			QuotaDefault:  envString("RATE_LIMIT_DEFAULT", DefaultQuotaDefault),
			QuotaAuth:     envString("RATE_LIMIT_AUTH", DefaultQuotaAuth),
			QuotaAnalysis: envString("RATE_LIMIT_ANALYSIS", DefaultQuotaAnalysis),
			RedisAddr:     envString("REDIS_ADDR", ""),
			RedisPassword: envString("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    envBool("CACHE_ENABLED", true),
			MaxEntries: envInt("CACHE_MAX_ENTRIES", DefaultCacheMaxEntries),
			TTL:        envDuration("CACHE_TTL", DefaultCacheTTL),
		},
		Bucket: BucketConfig{
			Capacity:   envInt("AI_BUCKET_CAPACITY", DefaultBucketCapacity),
			RefillRate: envFloat("AI_BUCKET_REFILL_RATE", DefaultBucketRefillRate),
		},
		Retry: RetryConfig{
			MaxAttempts:     envInt("AI_MAX_ATTEMPTS", DefaultMaxAttempts),
			InitialInterval: envDuration("AI_RETRY_INITIAL_INTERVAL", DefaultInitialInterval),
			MaxInterval:     envDuration("AI_RETRY_MAX_INTERVAL", DefaultMaxInterval),
			Multiplier:      envFloat("AI_RETRY_MULTIPLIER", DefaultMultiplier),
			JitterFactor:    envFloat("AI_RETRY_JITTER", DefaultJitterFactor),
		},
		Provider: ProviderConfig{
			Endpoint: envString("AI_ENDPOINT", ""),
			APIKey:   envString("AI_API_KEY", ""),
			Model:    envString("AI_MODEL", DefaultProviderModel),
			Timeout:  envDuration("AI_TIMEOUT", DefaultProviderTimeout),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bucket.Capacity <= 0 {
		return fmt.Errorf("AI_BUCKET_CAPACITY must be positive, got %d", c.Bucket.Capacity)
	}
	if c.Bucket.RefillRate <= 0 {
		return fmt.Errorf("AI_BUCKET_REFILL_RATE must be positive, got %f", c.Bucket.RefillRate)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("AI_MAX_ATTEMPTS must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialInterval <= 0 {
		return fmt.Errorf("AI_RETRY_INITIAL_INTERVAL must be positive, got %v", c.Retry.InitialInterval)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("AI_RETRY_MAX_INTERVAL (%v) must be >= AI_RETRY_INITIAL_INTERVAL (%v)",
			c.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("AI_RETRY_MULTIPLIER must be >= 1.0, got %f", c.Retry.Multiplier)
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("AI_RETRY_JITTER must be in [0, 1], got %f", c.Retry.JitterFactor)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", c.Cache.MaxEntries)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

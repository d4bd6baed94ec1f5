package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	RoleCacheTTL  time.Duration

	AuthJWTSecret         string
	AuthJWTIssuer         string
	AuthJWKSURL           string
	IdentityWebhookSecret string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	StripeCurrency      string

	// Partner commission rate in basis points (1/100 of a percent). Plans may override it.
	CommissionRateBPS  int
	PlatformTimezone   string
	RenewalGracePeriod time.Duration

	BookingRateLimitRPS   float64
	BookingRateLimitBurst int
	CORSAllowedOrigins    []string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	EventsQueueURL      string
	OutboxPollInterval  time.Duration
	ExpirySweepSchedule string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		RoleCacheTTL:  getEnvAsDuration("ROLE_CACHE_TTL", 15*time.Minute),

		AuthJWTSecret:         getEnv("AUTH_JWT_SECRET", ""),
		AuthJWTIssuer:         getEnv("AUTH_JWT_ISSUER", ""),
		AuthJWKSURL:           getEnv("AUTH_JWKS_URL", ""),
		IdentityWebhookSecret: getEnv("IDENTITY_WEBHOOK_SECRET", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", ""),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", ""),
		StripeCurrency:      strings.ToLower(getEnv("STRIPE_CURRENCY", "brl")),

		CommissionRateBPS:  getEnvAsInt("COMMISSION_RATE_BPS", 0),
		PlatformTimezone:   getEnv("PLATFORM_TIMEZONE", "UTC"),
		RenewalGracePeriod: getEnvAsDuration("RENEWAL_GRACE_PERIOD", 72*time.Hour),

		BookingRateLimitRPS:   getEnvAsFloat("BOOKING_RATE_LIMIT_RPS", 5),
		BookingRateLimitBurst: getEnvAsInt("BOOKING_RATE_LIMIT_BURST", 10),
		CORSAllowedOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		EventsQueueURL:      getEnv("EVENTS_QUEUE_URL", ""),
		OutboxPollInterval:  getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		ExpirySweepSchedule: getEnv("EXPIRY_SWEEP_SCHEDULE", "@every 15m"),
	}
}

// Location resolves PlatformTimezone, falling back to UTC for unknown zones.
func (c *Config) Location() *time.Location {
	if c == nil || strings.TrimSpace(c.PlatformTimezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.PlatformTimezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Payment gateway
	StripeAPIKey  string
	StripeBaseURL string
	AllowFakePayments bool

	// Notifications
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESRegion         string
	SESFromEmail      string
	SupportEmail      string

	// Booking lifecycle
	ConfirmationWindow  time.Duration
	ExpiryWarningWindow time.Duration
	SlotHoldTTL         time.Duration
	AutoCompleteAfter   time.Duration
	FinalRetryWindow    time.Duration

	// Sweeper cadence
	ExpireSweepInterval  time.Duration
	WarnSweepInterval    time.Duration
	CompleteSweepInterval time.Duration
	RetrySweepInterval   time.Duration
	SlotSweepInterval    time.Duration
	StatsSweepInterval   time.Duration

	// Sweeper throughput
	SweepBatchLimit int
	SweepRatePerSec float64
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		StripeAPIKey:      getEnv("STRIPE_SECRET_KEY", ""),
		StripeBaseURL:     getEnv("STRIPE_BASE_URL", ""),
		AllowFakePayments: getEnvAsBool("ALLOW_FAKE_PAYMENTS", false),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", "bookings@findrhealth.com"),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Findr Health"),
		SESRegion:         getEnv("SES_REGION", ""),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SupportEmail:      getEnv("SUPPORT_EMAIL", "support@findrhealth.com"),

		ConfirmationWindow:  getEnvAsDuration("CONFIRMATION_WINDOW", 24*time.Hour),
		ExpiryWarningWindow: getEnvAsDuration("EXPIRY_WARNING_WINDOW", 4*time.Hour),
		SlotHoldTTL:         getEnvAsDuration("SLOT_HOLD_TTL", 5*time.Minute),
		AutoCompleteAfter:   getEnvAsDuration("AUTO_COMPLETE_AFTER", 24*time.Hour),
		FinalRetryWindow:    getEnvAsDuration("FINAL_RETRY_WINDOW", 7*24*time.Hour),

		ExpireSweepInterval:   getEnvAsDuration("EXPIRE_SWEEP_INTERVAL", 5*time.Minute),
		WarnSweepInterval:     getEnvAsDuration("WARN_SWEEP_INTERVAL", 30*time.Minute),
		CompleteSweepInterval: getEnvAsDuration("COMPLETE_SWEEP_INTERVAL", time.Hour),
		RetrySweepInterval:    getEnvAsDuration("RETRY_SWEEP_INTERVAL", 24*time.Hour),
		SlotSweepInterval:     getEnvAsDuration("SLOT_SWEEP_INTERVAL", time.Minute),
		StatsSweepInterval:    getEnvAsDuration("STATS_SWEEP_INTERVAL", 6*time.Hour),

		SweepBatchLimit: getEnvAsInt("SWEEP_BATCH_LIMIT", 200),
		SweepRatePerSec: getEnvAsFloat("SWEEP_RATE_PER_SEC", 10),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

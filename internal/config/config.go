package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	AuthJWTSecret string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimit RateLimitConfig

	Stripe StripeConfig

	Scheduler SchedulerConfig

	BillingAlertWebhookURL string
}

// RateLimitConfig bounds per-tenant request rates on the billing API.
type RateLimitConfig struct {
	BillingRate   float64
	BillingBurst  int
	RebuildLockMS int
}

// SchedulerConfig drives the background retry and reconcile loop. Intervals
// are in seconds.
type SchedulerConfig struct {
	Enabled           bool
	IntervalSec       int
	RetryAfterSec     int
	BatchSize         int
	ReconcileEverySec int
}

// StripeConfig carries the payment provider credentials and redirect targets.
type StripeConfig struct {
	SecretKey         string
	WebhookSecret     string
	DefaultSuccessURL string
	DefaultCancelURL  string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "tenantdesk"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret:     strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		RateLimit: RateLimitConfig{
			BillingRate:   getenvFloat("RATE_LIMIT_BILLING_RATE", 5),
			BillingBurst:  getenvInt("RATE_LIMIT_BILLING_BURST", 20),
			RebuildLockMS: getenvInt("REBUILD_LOCK_TTL_MS", 300000),
		},
		Stripe: StripeConfig{
			SecretKey:         strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:     strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			DefaultSuccessURL: getenv("STRIPE_DEFAULT_SUCCESS_URL", "http://localhost:3000/billing/success"),
			DefaultCancelURL:  getenv("STRIPE_DEFAULT_CANCEL_URL", "http://localhost:3000/billing"),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", false),
			IntervalSec:       getenvInt("SCHEDULER_INTERVAL_SEC", 60),
			RetryAfterSec:     getenvInt("SCHEDULER_RETRY_AFTER_SEC", 300),
			BatchSize:         getenvInt("SCHEDULER_BATCH_SIZE", 50),
			ReconcileEverySec: getenvInt("SCHEDULER_RECONCILE_EVERY_SEC", 86400),
		},
		BillingAlertWebhookURL: strings.TrimSpace(getenv("BILLING_ALERT_WEBHOOK_URL", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Webhook provider config
	WebhookEndpoint string // delivery endpoint; empty disables the provider
	WebhookTimeout  int    // Timeout for webhook requests in seconds

	// Delivery queue tuning
	QueueWorkers     int
	QueueMaxAttempts int
	QueueBaseBackoff time.Duration

	// Failover tuning
	FailureThreshold int
	HealthInterval   time.Duration
	RecoveryInterval time.Duration

	// Engagement tracking
	TrackingDedupTTL time.Duration

	// Rate limiting on the submit API
	RateLimit  int
	RateWindow time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "relay",
		DBPassword: "",
		DBName:     "relay",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@relay.local",

		QueueWorkers:     4,
		QueueMaxAttempts: 3,
		QueueBaseBackoff: 30 * time.Second,

		FailureThreshold: 3,
		HealthInterval:   time.Minute,
		RecoveryInterval: 2 * time.Minute,

		TrackingDedupTTL: 10 * time.Minute,

		RateLimit:  100,
		RateWindow: time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Webhook provider config
	if endpoint := os.Getenv("WEBHOOK_ENDPOINT"); endpoint != "" {
		cfg.WebhookEndpoint = endpoint
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	} else {
		cfg.WebhookTimeout = 30 // default 30 seconds
	}

	// Queue tuning
	if workers := os.Getenv("QUEUE_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil || w < 1 {
			return nil, fmt.Errorf("invalid QUEUE_WORKERS: %q", workers)
		}
		cfg.QueueWorkers = w
	}

	if attempts := os.Getenv("QUEUE_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil || a < 1 {
			return nil, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: %q", attempts)
		}
		cfg.QueueMaxAttempts = a
	}

	if backoff := os.Getenv("QUEUE_BASE_BACKOFF"); backoff != "" {
		d, err := time.ParseDuration(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_BASE_BACKOFF: %w", err)
		}
		cfg.QueueBaseBackoff = d
	}

	// Failover tuning
	if threshold := os.Getenv("FAILOVER_FAILURE_THRESHOLD"); threshold != "" {
		n, err := strconv.Atoi(threshold)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid FAILOVER_FAILURE_THRESHOLD: %q", threshold)
		}
		cfg.FailureThreshold = n
	}

	if interval := os.Getenv("FAILOVER_HEALTH_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid FAILOVER_HEALTH_INTERVAL: %w", err)
		}
		cfg.HealthInterval = d
	}

	if interval := os.Getenv("FAILOVER_RECOVERY_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid FAILOVER_RECOVERY_INTERVAL: %w", err)
		}
		cfg.RecoveryInterval = d
	}

	// Tracking config
	if ttl := os.Getenv("TRACKING_DEDUP_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid TRACKING_DEDUP_TTL: %w", err)
		}
		cfg.TrackingDedupTTL = d
	}

	// Rate limit config
	if limit := os.Getenv("RATE_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %q", limit)
		}
		cfg.RateLimit = n
	}

	if window := os.Getenv("RATE_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_WINDOW: %w", err)
		}
		cfg.RateWindow = d
	}

	return cfg, nil
}

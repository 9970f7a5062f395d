// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port              string
	WorkerMetricsPort string
	Env               string // "development", "staging", "production"
	LogLevel          string
	LogFormat         string // "text" or "json"

	// Database
	DatabaseURL  string        // PostgreSQL connection string (optional, uses in-memory if not set)
	StoreTimeout time.Duration // budget for a single store call

	// Stream
	KafkaBrokers        []string
	TransactionsTopic   string
	ConsumerGroup       string
	PollTimeout         time.Duration
	DeliveryTimeout     time.Duration
	CommitInterval      time.Duration
	ProducerMaxAttempts int

	// Scoring
	DecisionThreshold float64
	HourSource        string // "scoring" or "event"
	OracleURL         string // remote model server (optional)
	OracleModelFile   string // YAML model artifact (optional)
	OracleTimeout     time.Duration

	// Decision cache
	RedisURL         string
	DecisionCacheTTL time.Duration

	// Ingress
	RateLimitRPM       int // per-client requests per minute on write routes; 0 disables
	RateLimitBurst     int
	// TrustClientHeader keys rate limits by X-Client-ID. Enable only behind a
	// gateway that authenticates clients and sets the header itself.
	TrustClientHeader  bool
	CORSAllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultWorkerMetricsPort   = "9101"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultKafkaBrokers        = "localhost:19092"
	DefaultTransactionsTopic   = "transactions.v1"
	DefaultConsumerGroup       = "fraud-detector-v2"
	DefaultPollTimeout         = time.Second
	DefaultDeliveryTimeout     = 5 * time.Second
	DefaultCommitInterval      = time.Second
	DefaultProducerMaxAttempts = 5
	DefaultStoreTimeout        = 5 * time.Second
	DefaultDecisionThreshold   = 0.7
	DefaultHourSource          = "scoring"
	DefaultOracleTimeout       = 2 * time.Second
	DefaultDecisionCacheTTL    = 10 * time.Minute
	DefaultRateLimitRPM        = 6000
	DefaultRateLimitBurst      = 200
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	threshold, err := getEnvFloat("DECISION_THRESHOLD", DefaultDecisionThreshold)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		WorkerMetricsPort:   getEnv("WORKER_METRICS_PORT", DefaultWorkerMetricsPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StoreTimeout:        getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		KafkaBrokers:        splitList(getEnv("KAFKA_BROKERS", DefaultKafkaBrokers)),
		TransactionsTopic:   getEnv("KAFKA_TRANSACTIONS_TOPIC", DefaultTransactionsTopic),
		ConsumerGroup:       getEnv("KAFKA_CONSUMER_GROUP", DefaultConsumerGroup),
		PollTimeout:         getEnvDuration("POLL_TIMEOUT", DefaultPollTimeout),
		DeliveryTimeout:     getEnvDuration("DELIVERY_TIMEOUT", DefaultDeliveryTimeout),
		CommitInterval:      getEnvDuration("COMMIT_INTERVAL", DefaultCommitInterval),
		ProducerMaxAttempts: int(getEnvInt64("PRODUCER_MAX_ATTEMPTS", DefaultProducerMaxAttempts)),
		DecisionThreshold:   threshold,
		HourSource:          getEnv("FEATURE_HOUR_SOURCE", DefaultHourSource),
		OracleURL:           os.Getenv("ORACLE_URL"),
		OracleModelFile:     os.Getenv("ORACLE_MODEL_FILE"),
		OracleTimeout:       getEnvDuration("ORACLE_TIMEOUT", DefaultOracleTimeout),
		RedisURL:            os.Getenv("REDIS_URL"),
		DecisionCacheTTL:    getEnvDuration("DECISION_CACHE_TTL", DefaultDecisionCacheTTL),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		TrustClientHeader:   getEnvBool("RATE_LIMIT_TRUST_CLIENT_HEADER", false),
		CORSAllowedOrigins:  splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.TransactionsTopic == "" {
		return fmt.Errorf("KAFKA_TRANSACTIONS_TOPIC is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("KAFKA_CONSUMER_GROUP is required")
	}
	if c.DecisionThreshold <= 0 || c.DecisionThreshold > 1 {
		return fmt.Errorf("DECISION_THRESHOLD must be in (0, 1], got %v", c.DecisionThreshold)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.OracleTimeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive")
	}
	if c.ProducerMaxAttempts <= 0 {
		return fmt.Errorf("PRODUCER_MAX_ATTEMPTS must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	switch c.HourSource {
	case "scoring", "event":
	default:
		return fmt.Errorf("FEATURE_HOUR_SOURCE must be \"scoring\" or \"event\", got %q", c.HourSource)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvFloat is strict: a malformed threshold must not silently fall back
// to the default, since it moves the classification boundary.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

// getEnvDuration accepts Go duration strings ("1.5s") or bare seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

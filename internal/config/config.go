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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	LogFile   string // optional rotated log file

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded goose migrations on startup

	// Policy (risk factors, abuse rules, rate-limit tiers)
	PolicyFile            string // YAML/JSON document; falls back to the database, then built-in defaults
	PolicyRefreshInterval time.Duration

	// Background loops
	ReservationSweepInterval time.Duration
	ActionSweepInterval      time.Duration
	DecayInterval            time.Duration
	RiskHalfLife             time.Duration

	// Quota
	DefaultReservationTTL time.Duration

	// Signal ingestion
	SignalWorkers   int
	SignalQueueSize int

	// Kafka (optional)
	KafkaBrokers     []string
	KafkaSignalTopic string
	KafkaAuditTopic  string
	KafkaGroupID     string

	// Redis (optional, shared cooldown index)
	RedisURL string

	// Tracing (optional)
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Security
	AdminSecret        string
	CORSAllowedOrigins []string

	// API rate limit, per tenant or client IP
	APIRequestsPerMinute int
	APIBurst             int
}

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultPolicyRefreshInterval    = 60 * time.Second
	DefaultReservationSweepInterval = 30 * time.Second
	DefaultActionSweepInterval      = 30 * time.Second
	DefaultDecayInterval            = 15 * time.Minute
	DefaultRiskHalfLife             = 24 * time.Hour
	DefaultReservationTTL           = 5 * time.Minute
	DefaultSignalWorkers            = 4
	DefaultSignalQueueSize          = 1024
	DefaultKafkaGroupID             = "sendguard"
	DefaultAPIRequestsPerMinute     = 600
	DefaultAPIBurst                 = 50
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:                  os.Getenv("LOG_FILE"),
		DatabaseURL:              os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AutoMigrate:              getEnvBool("AUTO_MIGRATE", false),
		PolicyFile:               os.Getenv("POLICY_FILE"),
		PolicyRefreshInterval:    getEnvDuration("POLICY_REFRESH_INTERVAL", DefaultPolicyRefreshInterval),
		ReservationSweepInterval: getEnvDuration("RESERVATION_SWEEP_INTERVAL", DefaultReservationSweepInterval),
		ActionSweepInterval:      getEnvDuration("ACTION_SWEEP_INTERVAL", DefaultActionSweepInterval),
		DecayInterval:            getEnvDuration("DECAY_INTERVAL", DefaultDecayInterval),
		RiskHalfLife:             getEnvDuration("RISK_HALF_LIFE", DefaultRiskHalfLife),
		DefaultReservationTTL:    getEnvDuration("DEFAULT_RESERVATION_TTL", DefaultReservationTTL),
		SignalWorkers:            int(getEnvInt64("SIGNAL_WORKERS", DefaultSignalWorkers)),
		SignalQueueSize:          int(getEnvInt64("SIGNAL_QUEUE_SIZE", DefaultSignalQueueSize)),
		KafkaBrokers:             getEnvList("KAFKA_BROKERS"),
		KafkaSignalTopic:         os.Getenv("KAFKA_SIGNAL_TOPIC"),
		KafkaAuditTopic:          os.Getenv("KAFKA_AUDIT_TOPIC"),
		KafkaGroupID:             getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		RedisURL:                 os.Getenv("REDIS_URL"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:         getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigins:       getEnvList("CORS_ALLOWED_ORIGINS"),
		APIRequestsPerMinute:     int(getEnvInt64("API_RATE_LIMIT_RPM", DefaultAPIRequestsPerMinute)),
		APIBurst:                 int(getEnvInt64("API_RATE_LIMIT_BURST", DefaultAPIBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.ReservationSweepInterval <= 0 {
		return fmt.Errorf("RESERVATION_SWEEP_INTERVAL must be positive")
	}
	if c.ActionSweepInterval <= 0 {
		return fmt.Errorf("ACTION_SWEEP_INTERVAL must be positive")
	}
	if c.DecayInterval <= 0 {
		return fmt.Errorf("DECAY_INTERVAL must be positive")
	}
	if c.RiskHalfLife <= 0 {
		return fmt.Errorf("RISK_HALF_LIFE must be positive")
	}
	if c.DefaultReservationTTL <= 0 {
		return fmt.Errorf("DEFAULT_RESERVATION_TTL must be positive")
	}
	if c.APIRequestsPerMinute < 1 || c.APIBurst < 1 {
		return fmt.Errorf("API_RATE_LIMIT_RPM and API_RATE_LIMIT_BURST must be at least 1")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.SignalWorkers < 1 {
		return fmt.Errorf("SIGNAL_WORKERS must be at least 1")
	}
	if c.SignalQueueSize < 1 {
		return fmt.Errorf("SIGNAL_QUEUE_SIZE must be at least 1")
	}
	if c.KafkaSignalTopic != "" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_SIGNAL_TOPIC is set")
	}
	if c.KafkaAuditTopic != "" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_AUDIT_TOPIC is set")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

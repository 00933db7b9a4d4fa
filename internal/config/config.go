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
	LogFormat string // "json" or "text"

	// Backends (all optional; in-memory implementations are used when unset)
	DatabaseURL  string
	RedisURL     string
	AMQPURL      string
	AMQPExchange string
	GeoIPDBPath  string
	OTLPEndpoint string

	// Security
	APIKeys           []string // Raw service API keys accepted as bearer tokens
	ReviewerJWTSecret string   // HS256 secret for reviewer tokens
	RateLimitRPM      int
	RateLimitBurst    int
	CORSOrigins       []string // Review console origins; empty allows any

	// Evaluation
	EvaluationTimeout  time.Duration
	FailClosedTypes    []string // Rule types that fail closed when a dependency is down
	FailOpenTypes      []string // Rule types that fail open when a dependency is down
	AutoApproveClean   bool
	AutoRejectBlocked  bool
	DefaultPhoneRegion string

	// Background work
	RulesRefreshInterval   time.Duration
	BlacklistSweepInterval time.Duration
	VelocityPurgeInterval  time.Duration
	VelocityRetention      time.Duration

	// Attempt escalation
	EscalationThreshold int
	EscalationWindow    time.Duration
	EscalationTTL       time.Duration

	// Dependency circuit breakers
	BreakerThreshold    int
	BreakerOpenDuration time.Duration
}

// Defaults
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultAMQPExchange           = "fraudguard.events"
	DefaultRateLimitRPM           = 600
	DefaultRateLimitBurst         = 50
	DefaultEvaluationTimeout      = 50 * time.Millisecond
	DefaultPhoneRegion            = "US"
	DefaultRulesRefreshInterval   = 5 * time.Second
	DefaultBlacklistSweepInterval = time.Minute
	DefaultVelocityPurgeInterval  = 10 * time.Minute
	DefaultVelocityRetention      = 24 * time.Hour
	DefaultEscalationThreshold    = 5
	DefaultEscalationWindow       = 10 * time.Minute
	DefaultEscalationTTL          = 24 * time.Hour
	DefaultBreakerThreshold       = 5
	DefaultBreakerOpenDuration    = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		GeoIPDBPath:  os.Getenv("GEOIP_DB_PATH"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		APIKeys:           getEnvList("API_KEYS"),
		ReviewerJWTSecret: os.Getenv("REVIEWER_JWT_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:       getEnvList("CORS_ALLOWED_ORIGINS"),

		EvaluationTimeout:  getEnvDuration("FRAUD_EVALUATION_TIMEOUT", DefaultEvaluationTimeout),
		FailClosedTypes:    getEnvList("FRAUD_FAIL_CLOSED_TYPES"),
		FailOpenTypes:      getEnvList("FRAUD_FAIL_OPEN_TYPES"),
		AutoApproveClean:   getEnvBool("FRAUD_AUTO_APPROVE_CLEAN", true),
		AutoRejectBlocked:  getEnvBool("FRAUD_AUTO_REJECT_BLOCKED", false),
		DefaultPhoneRegion: getEnv("DEFAULT_PHONE_REGION", DefaultPhoneRegion),

		RulesRefreshInterval:   getEnvDuration("RULES_REFRESH_INTERVAL", DefaultRulesRefreshInterval),
		BlacklistSweepInterval: getEnvDuration("BLACKLIST_SWEEP_INTERVAL", DefaultBlacklistSweepInterval),
		VelocityPurgeInterval:  getEnvDuration("VELOCITY_PURGE_INTERVAL", DefaultVelocityPurgeInterval),
		VelocityRetention:      getEnvDuration("VELOCITY_RETENTION", DefaultVelocityRetention),

		EscalationThreshold: int(getEnvInt64("ATTEMPT_ESCALATION_THRESHOLD", DefaultEscalationThreshold)),
		EscalationWindow:    getEnvDuration("ATTEMPT_ESCALATION_WINDOW", DefaultEscalationWindow),
		EscalationTTL:       getEnvDuration("ATTEMPT_ESCALATION_TTL", DefaultEscalationTTL),

		BreakerThreshold:    int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenDuration: getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.EvaluationTimeout <= 0 {
		return fmt.Errorf("FRAUD_EVALUATION_TIMEOUT must be positive")
	}
	if c.RulesRefreshInterval <= 0 {
		return fmt.Errorf("RULES_REFRESH_INTERVAL must be positive")
	}
	if c.EscalationThreshold < 1 {
		return fmt.Errorf("ATTEMPT_ESCALATION_THRESHOLD must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}

	for _, t := range c.FailClosedTypes {
		for _, o := range c.FailOpenTypes {
			if t == o {
				return fmt.Errorf("rule type %q is listed as both fail-open and fail-closed", t)
			}
		}
	}

	if c.IsProduction() && len(c.APIKeys) == 0 && c.ReviewerJWTSecret == "" {
		return fmt.Errorf("API_KEYS or REVIEWER_JWT_SECRET is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
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

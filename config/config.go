package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
)

// BreakerSettings configures the circuit breaker and retries of one dependency.
type BreakerSettings struct {
	FailureThreshold int
	Window           time.Duration
	CoolDown         time.Duration
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	AttemptTimeout   time.Duration
}

// MaxCallDuration is the longest one guarded call can take: every attempt
// hitting its timeout plus the largest jittered backoff between attempts.
func (s BreakerSettings) MaxCallDuration() time.Duration {
	retries := s.MaxRetries
	if retries < 0 {
		retries = 0
	}
	backoff := s.MaxBackoff + s.MaxBackoff/5
	return time.Duration(retries+1)*s.AttemptTimeout + time.Duration(retries)*backoff
}

// verifyHeadroom is left after a worst-case classifier call for storing the outcome.
const verifyHeadroom = 15 * time.Second

// RabbitMQConfig holds the broker connection and routing settings.
type RabbitMQConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Exchange string

	StatusRoutingKey   string
	FlaggedRoutingKey  string
	ReverifyRoutingKey string
	ReverifyQueue      string
	SubscriberWorkers  int
}

// GetAMQPURL builds the AMQP connection string.
func (r RabbitMQConfig) GetAMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.Host, r.Port)
}

// Config holds all configuration for the report verification pipeline.
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	RabbitMQ RabbitMQConfig

	// Classifier configuration
	ClassifierProvider string
	OpenAIAPIKey       string
	OpenAIModel        string

	// Geocoder configuration
	NominatimURL    string
	GeocodeCacheTTL time.Duration

	Classifier BreakerSettings
	Geocoder   BreakerSettings

	// Duplicate detection
	PHashThreshold  int
	CategoryWindows map[string]time.Duration

	// Worker pool
	WorkerCount     int
	WorkerQueueSize int
	VerifyTimeout   time.Duration

	// Image fetching
	MaxImageBytes int64

	LogLevel string
}

// DefaultCategoryWindows is the duplicate time window per category. Static
// infrastructure gets a day, transient issues two hours.
const DefaultCategoryWindows = "road-damage:24h,lighting:24h,water:24h,sanitation:2h,other:2h"

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "cleanapp"),

		Port: getEnv("PORT", "8080"),

		RabbitMQ: RabbitMQConfig{
			Host:               getEnv("AMQP_HOST", "localhost"),
			Port:               getEnv("AMQP_PORT", "5672"),
			User:               getEnv("AMQP_USER", "guest"),
			Password:           getEnv("AMQP_PASSWORD", "guest"),
			Exchange:           getEnv("RABBITMQ_EXCHANGE", "cleanapp"),
			StatusRoutingKey:   getEnv("RABBITMQ_STATUS_ROUTING_KEY", "report.status"),
			FlaggedRoutingKey:  getEnv("RABBITMQ_FLAGGED_ROUTING_KEY", "report.flagged"),
			ReverifyRoutingKey: getEnv("RABBITMQ_REVERIFY_ROUTING_KEY", "report.reverify"),
			ReverifyQueue:      getEnv("RABBITMQ_REVERIFY_QUEUE", "report-verify-reverify"),
			SubscriberWorkers:  getIntEnv("RABBITMQ_SUBSCRIBER_WORKERS", 4),
		},

		ClassifierProvider: getEnv("CLASSIFIER_PROVIDER", "openai"),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o"),

		NominatimURL:    getEnv("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
		GeocodeCacheTTL: getDurationEnv("GEOCODE_CACHE_TTL", 24*time.Hour),

		Classifier: BreakerSettings{
			FailureThreshold: getIntEnv("CLASSIFIER_BREAKER_FAILURES", 5),
			Window:           getDurationEnv("CLASSIFIER_BREAKER_WINDOW", 120*time.Second),
			CoolDown:         getDurationEnv("CLASSIFIER_BREAKER_COOLDOWN", 60*time.Second),
			MaxRetries:       getIntEnv("CLASSIFIER_MAX_RETRIES", 3),
			InitialBackoff:   getDurationEnv("CLASSIFIER_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:       getDurationEnv("CLASSIFIER_MAX_BACKOFF", 4*time.Second),
			AttemptTimeout:   getDurationEnv("CLASSIFIER_ATTEMPT_TIMEOUT", 45*time.Second),
		},
		Geocoder: BreakerSettings{
			FailureThreshold: getIntEnv("GEOCODER_BREAKER_FAILURES", 3),
			Window:           getDurationEnv("GEOCODER_BREAKER_WINDOW", 60*time.Second),
			CoolDown:         getDurationEnv("GEOCODER_BREAKER_COOLDOWN", 30*time.Second),
			MaxRetries:       getIntEnv("GEOCODER_MAX_RETRIES", 2),
			InitialBackoff:   getDurationEnv("GEOCODER_INITIAL_BACKOFF", 200*time.Millisecond),
			MaxBackoff:       getDurationEnv("GEOCODER_MAX_BACKOFF", time.Second),
			AttemptTimeout:   getDurationEnv("GEOCODER_ATTEMPT_TIMEOUT", 5*time.Second),
		},

		PHashThreshold: getIntEnv("PHASH_THRESHOLD", 10),

		WorkerCount:     getIntEnv("WORKER_COUNT", 8),
		WorkerQueueSize: getIntEnv("WORKER_QUEUE_SIZE", 256),
		VerifyTimeout:   getDurationEnv("VERIFY_TIMEOUT", 4*time.Minute),

		MaxImageBytes: int64(getIntEnv("MAX_IMAGE_BYTES", 10<<20)),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	windows, err := ParseCategoryWindows(getEnv("CATEGORY_WINDOWS", DefaultCategoryWindows))
	if err != nil {
		log.Warnf("Invalid CATEGORY_WINDOWS, using defaults: %v", err)
		windows, _ = ParseCategoryWindows(DefaultCategoryWindows)
	}
	cfg.CategoryWindows = windows

	if floor := cfg.Classifier.MaxCallDuration() + verifyHeadroom; cfg.VerifyTimeout < floor {
		log.Warnf("VERIFY_TIMEOUT %v is shorter than the classifier retry budget, using %v", cfg.VerifyTimeout, floor)
		cfg.VerifyTimeout = floor
	}

	return cfg
}

// ParseCategoryWindows parses "category:duration,..." pairs.
func ParseCategoryWindows(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("missing ':' in %q", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("bad duration for %q: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("window for %q must be positive", name)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = d
	}
	return out, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voxbridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Utterance detection configuration. These three values are the
	// interoperability contract with existing clients; change them only in
	// lockstep with the frontend.
	SilenceThresholdMs    int `envconfig:"SILENCE_THRESHOLD_MS" default:"600"`
	MaxUtteranceTimeMs    int `envconfig:"MAX_UTTERANCE_TIME_MS" default:"45000"`
	MonitorPollIntervalMs int `envconfig:"MONITOR_POLL_INTERVAL_MS" default:"100"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)
	STTEndpoint      string `envconfig:"STT_ENDPOINT" default:""`         // Override transcription service host (for self-hosted/test)

	// Audio decoding configuration
	DecodeBufferLimit int `envconfig:"DECODE_BUFFER_LIMIT" default:"1048576"` // Max undecoded bytes per session before forced reset

	// Client event delivery
	EventQueueSize int `envconfig:"EVENT_QUEUE_SIZE" default:"64"`  // Per-connection outbound event queue
	BindTimeoutMs  int `envconfig:"BIND_TIMEOUT_MS" default:"5000"` // Deadline for the session binding control message

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// SilenceThreshold returns the silence threshold as a duration.
func (c *Config) SilenceThreshold() time.Duration {
	return time.Duration(c.SilenceThresholdMs) * time.Millisecond
}

// MaxUtteranceTime returns the max utterance time as a duration.
func (c *Config) MaxUtteranceTime() time.Duration {
	return time.Duration(c.MaxUtteranceTimeMs) * time.Millisecond
}

// MonitorPollInterval returns the monitor poll interval as a duration.
func (c *Config) MonitorPollInterval() time.Duration {
	return time.Duration(c.MonitorPollIntervalMs) * time.Millisecond
}

// BindTimeout returns the session binding deadline as a duration.
func (c *Config) BindTimeout() time.Duration {
	return time.Duration(c.BindTimeoutMs) * time.Millisecond
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values that envconfig tags cannot express.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.SilenceThresholdMs <= 0 {
		return fmt.Errorf("SILENCE_THRESHOLD_MS must be positive, got %d", c.SilenceThresholdMs)
	}
	if c.MaxUtteranceTimeMs <= c.SilenceThresholdMs {
		return fmt.Errorf("MAX_UTTERANCE_TIME_MS (%d) must exceed SILENCE_THRESHOLD_MS (%d)",
			c.MaxUtteranceTimeMs, c.SilenceThresholdMs)
	}
	if c.MonitorPollIntervalMs <= 0 {
		return fmt.Errorf("MONITOR_POLL_INTERVAL_MS must be positive, got %d", c.MonitorPollIntervalMs)
	}
	if c.DecodeBufferLimit <= 0 {
		return fmt.Errorf("DECODE_BUFFER_LIMIT must be positive, got %d", c.DecodeBufferLimit)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

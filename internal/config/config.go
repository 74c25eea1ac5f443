package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the speech relay service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"3000"`

	// Soniox real-time STT configuration
	SonioxAPIKey        string   `envconfig:"SONIOX_API_KEY" required:"true"`
	SonioxURL           string   `envconfig:"SONIOX_URL" default:"wss://stt-rt.soniox.com/transcribe-websocket"`
	SonioxModel         string   `envconfig:"SONIOX_MODEL" default:"stt-rt-preview"`
	SonioxLanguageHints []string `envconfig:"SONIOX_LANGUAGE_HINTS" default:"sl,en"`
	SonioxDialTimeout   int      `envconfig:"SONIOX_DIAL_TIMEOUT" default:"10"` // seconds

	// Seconds to wait for the provider to close the link after a finalize
	// directive before the relay closes it itself. 0 leaves closing to the provider.
	FinalizeTimeout int `envconfig:"FINALIZE_TIMEOUT" default:"0"`

	// Gemini configuration for the one-shot audio and question endpoints.
	// Optional; those endpoints answer 503 when it is unset.
	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel    string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	MaxUploadBytes int64  `envconfig:"MAX_UPLOAD_BYTES" default:"26214400"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"200"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: trace, debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables.
// The given dotenv files (or ./.env when none are given) are loaded first if they exist.
func Load(files ...string) (*Config, error) {
	// Missing dotenv files are not an error
	_ = godotenv.Load(files...)

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

// Validate checks values envconfig cannot express in tags
func (c *Config) Validate() error {
	if c.SonioxAPIKey == "" {
		return fmt.Errorf("SONIOX_API_KEY is required")
	}
	if c.SonioxURL == "" {
		return fmt.Errorf("SONIOX_URL must not be empty")
	}
	if c.SonioxDialTimeout <= 0 {
		return fmt.Errorf("SONIOX_DIAL_TIMEOUT must be positive, got %d", c.SonioxDialTimeout)
	}
	if c.FinalizeTimeout < 0 {
		return fmt.Errorf("FINALIZE_TIMEOUT must not be negative, got %d", c.FinalizeTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

// DialTimeout returns the provider dial timeout as a duration
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.SonioxDialTimeout) * time.Second
}

// FinalizeTimeoutDuration returns the finalize timeout, zero when disabled
func (c *Config) FinalizeTimeoutDuration() time.Duration {
	return time.Duration(c.FinalizeTimeout) * time.Second
}

// GeminiEnabled reports whether the generative-AI endpoints can be served
func (c *Config) GeminiEnabled() bool {
	return c.GeminiAPIKey != ""
}

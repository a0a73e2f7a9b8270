package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/krushimitra/voice-engine/internal/resilience"
)

// Config holds all configuration for the voice engine binaries
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"8081"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind a tunnel).
	// Used for logging the WebSocket endpoint and building recording download links.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Gemini Live configuration
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash-native-audio-preview-09-2025"`
	GeminiVoice  string `envconfig:"GEMINI_VOICE" default:"Puck"`

	// Assistant persona
	Language string `envconfig:"ASSISTANT_LANGUAGE" default:"mr"` // mr, hi, en
	Crop     string `envconfig:"FARMER_CROP" default:""`

	// Audio processing configuration
	InputSampleRate    int     `envconfig:"AUDIO_INPUT_SAMPLE_RATE" default:"16000"`
	OutputSampleRate   int     `envconfig:"AUDIO_OUTPUT_SAMPLE_RATE" default:"24000"`
	CaptureFrameSize   int     `envconfig:"CAPTURE_FRAME_SIZE" default:"4096"` // Samples per captured frame
	SendQueueSize      int     `envconfig:"SEND_QUEUE_SIZE" default:"32"`      // Encoded frames waiting for the transport
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"3"`

	// Reconnect configuration
	ReconnectStrategy     string `envconfig:"RECONNECT_STRATEGY" default:"fixed"`       // fixed or exponential
	ReconnectErrorBackoff int    `envconfig:"RECONNECT_ERROR_BACKOFF" default:"1500"`   // milliseconds
	ReconnectCloseBackoff int    `envconfig:"RECONNECT_CLOSE_BACKOFF" default:"800"`    // milliseconds
	ReconnectMaxAttempts  int    `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"0"`       // 0 retries forever
	ReconnectMaxBackoff   int    `envconfig:"RECONNECT_MAX_BACKOFF" default:"30000"`    // milliseconds, exponential only

	// Recording configuration
	RecordingDir string `envconfig:"RECORDING_DIR" default:""` // Defaults to the OS temp dir

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
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

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	switch c.Language {
	case "mr", "hi", "en":
	default:
		return fmt.Errorf("ASSISTANT_LANGUAGE must be one of mr, hi, en (got %q)", c.Language)
	}
	switch strings.ToLower(c.ReconnectStrategy) {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("RECONNECT_STRATEGY must be fixed or exponential (got %q)", c.ReconnectStrategy)
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("audio sample rates must be positive")
	}
	if c.CaptureFrameSize <= 0 {
		return fmt.Errorf("CAPTURE_FRAME_SIZE must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}
	return nil
}

// RetryPolicy builds the reconnect policy selected by RECONNECT_STRATEGY
func (c *Config) RetryPolicy() resilience.Policy {
	errorDelay := time.Duration(c.ReconnectErrorBackoff) * time.Millisecond
	closeDelay := time.Duration(c.ReconnectCloseBackoff) * time.Millisecond

	if strings.EqualFold(c.ReconnectStrategy, "exponential") {
		return &resilience.ExponentialPolicy{
			ErrorBackoff: errorDelay,
			CloseBackoff: closeDelay,
			Multiplier:   2.0,
			MaxBackoff:   time.Duration(c.ReconnectMaxBackoff) * time.Millisecond,
			MaxAttempts:  c.ReconnectMaxAttempts,
		}
	}

	return &resilience.FixedPolicy{
		ErrorDelay:  errorDelay,
		CloseDelay:  closeDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
}

// RecordingDirectory returns the directory finalized recordings are written to
func (c *Config) RecordingDirectory() string {
	if c.RecordingDir != "" {
		return c.RecordingDir
	}
	return os.TempDir()
}


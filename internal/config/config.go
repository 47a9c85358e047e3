package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Engine names accepted by TTSEngine / AvatarEngine.
const (
	TTSEngineGTTS     = "gtts"
	TTSEngineDeepgram = "deepgram"

	AvatarEngineDiffusion = "diffusion"
	AvatarEngineArk       = "ark"
)

// Quality modes for the animation stage (SadTalker flags are derived from these).
const (
	QualityFast     = "fast"
	QualityBalanced = "balanced"
	QualityHigh     = "high"
)

// Config holds all configuration for the avatar gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Artifact storage
	ArtifactRoot     string `envconfig:"ARTIFACT_ROOT" default:"./data"`
	ArtifactKeep     int    `envconfig:"ARTIFACT_KEEP" default:"3"`            // Most recent files kept per stage directory
	SweepSchedule    string `envconfig:"SWEEP_SCHEDULE" default:"@hourly"`     // Cron spec for the retention sweeper
	RunRetentionSecs int    `envconfig:"RUN_RETENTION_SECONDS" default:"3600"` // How long terminal runs stay addressable in memory

	// External generator tooling
	PythonBin    string `envconfig:"PYTHON_BIN" default:"python3"`
	ScriptsDir   string `envconfig:"SCRIPTS_DIR" default:"./scripts"`
	SadTalkerDir string `envconfig:"SADTALKER_DIR" default:"./SadTalker"`

	// Audio stage (text-to-speech)
	TTSEngine        string `envconfig:"TTS_ENGINE" default:"gtts"` // gtts (local subprocess) or deepgram (REST)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramTTSModel string `envconfig:"DEEPGRAM_TTS_MODEL" default:"aura-asteria-en"`

	// Avatar-image stage
	AvatarEngine string `envconfig:"AVATAR_ENGINE" default:"diffusion"` // diffusion (local subprocess) or ark (REST)
	ArkAPIKey    string `envconfig:"ARK_API_KEY" default:""`
	ArkModel     string `envconfig:"ARK_MODEL" default:"doubao-seedream-4-0-250828"`
	AvatarStyle  string `envconfig:"AVATAR_STYLE" default:"professional front-facing portrait, smiling, clean background, photo-realistic"`
	AvatarSeed   int64  `envconfig:"AVATAR_SEED" default:"42"`

	// Optional Gemini prompt enrichment for the avatar-image stage.
	// Empty key disables enrichment; the raw style descriptor is used as-is.
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`

	// Animation stage (SadTalker)
	Quality string `envconfig:"QUALITY" default:"balanced"` // fast, balanced, high

	// Per-stage timeouts in seconds. Exceeding one surfaces as a TIMEOUT
	// generation error and fails the run.
	AudioTimeout     int `envconfig:"AUDIO_TIMEOUT" default:"120"`
	ImageTimeout     int `envconfig:"IMAGE_TIMEOUT" default:"300"`
	AnimationTimeout int `envconfig:"ANIMATION_TIMEOUT" default:"1800"`

	// Run snapshot store. Empty address keeps snapshots in memory only.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	SnapshotTTL   int    `envconfig:"SNAPSHOT_TTL_SECONDS" default:"86400"`

	// Resilience configuration for the REST-backed stage clients
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.TTSEngine {
	case TTSEngineGTTS:
	case TTSEngineDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when TTS_ENGINE=deepgram")
		}
	default:
		return fmt.Errorf("unknown TTS_ENGINE %q", c.TTSEngine)
	}

	switch c.AvatarEngine {
	case AvatarEngineDiffusion:
	case AvatarEngineArk:
		if c.ArkAPIKey == "" {
			return fmt.Errorf("ARK_API_KEY is required when AVATAR_ENGINE=ark")
		}
	default:
		return fmt.Errorf("unknown AVATAR_ENGINE %q", c.AvatarEngine)
	}

	switch c.Quality {
	case QualityFast, QualityBalanced, QualityHigh:
	default:
		return fmt.Errorf("unknown QUALITY %q", c.Quality)
	}

	return nil
}

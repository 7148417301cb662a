// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "ENRICHER"

// Config is the full runtime configuration. Every knob has an environment
// default so a bare `enricher run` works against a local database with
// only the API key set.
type Config struct {
	Gemini   GeminiConfig
	Pipeline PipelineConfig
	Governor GovernorConfig
	Paths    PathsConfig

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type GeminiConfig struct {
	APIKey  string `envconfig:"GEMINI_API_KEY"`
	Model   string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	BaseURL string `envconfig:"GEMINI_BASE_URL" default:""`

	MaxOutputTokens int `envconfig:"GEMINI_MAX_OUTPUT_TOKENS" default:"1024"`
}

type PipelineConfig struct {
	Workers        int           `envconfig:"WORKERS" default:"4"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"90s"`
	BatchSize      int           `envconfig:"BATCH_SIZE" default:"50"`
	PageSize       int           `envconfig:"PAGE_SIZE" default:"100"`

	// CheckpointEvery is the checkpoint write cadence in processed items.
	CheckpointEvery int `envconfig:"CHECKPOINT_EVERY" default:"10"`

	ReportInterval time.Duration `envconfig:"REPORT_INTERVAL" default:"30s"`

	// EstimatedCost is the per-request token estimate used for quota pacing.
	EstimatedCost int `envconfig:"ESTIMATED_COST" default:"2000"`
}

type GovernorConfig struct {
	// TargetFraction paces calls to this fraction of the advertised
	// remaining quota.
	TargetFraction float64       `envconfig:"QUOTA_TARGET_FRACTION" default:"0.75"`
	CooldownBase   time.Duration `envconfig:"COOLDOWN_BASE" default:"2s"`
	CooldownCap    time.Duration `envconfig:"COOLDOWN_CAP" default:"5m"`
	SteadyRPS      float64       `envconfig:"STEADY_RPS" default:"0"`
}

type PathsConfig struct {
	DB         string `envconfig:"DB_PATH" default:"restaurants.db"`
	Checkpoint string `envconfig:"CHECKPOINT_PATH" default:"checkpoint.json"`

	// Contract optionally points at a YAML extraction contract; empty
	// selects the built-in review-summary contract.
	Contract string `envconfig:"CONTRACT_PATH" default:""`
}

// Load reads configuration from ENRICHER_*-prefixed environment variables.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate checks the invariants a run depends on.
func (c *Config) Validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("%s_GEMINI_API_KEY is required", envPrefix)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Pipeline.BatchSize)
	}
	if f := c.Governor.TargetFraction; f <= 0 || f > 1 {
		return fmt.Errorf("QUOTA_TARGET_FRACTION must be in (0,1], got %g", f)
	}
	return nil
}

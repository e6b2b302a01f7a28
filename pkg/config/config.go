// Package config loads the settings of the sdc command from defaults, an
// optional YAML file and SDC_* environment variables, in that order of
// precedence.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. SDC_LOGGING_LEVEL
const EnvPrefix = "SDC"

// Config represents the complete application configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	Engine  EngineConfig  `yaml:"engine" envconfig:"ENGINE"`
	Paths   PathsConfig   `yaml:"paths" envconfig:"PATHS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" validate:"required_unless=Output console"`
}

// EngineConfig contains the disclosure control engine settings
type EngineConfig struct {
	// RiskModel selects the individual risk model, 1 or 2
	RiskModel int `yaml:"risk_model" envconfig:"RISK_MODEL" validate:"oneof=1 2"`

	// MaxMemory caps the estimated table memory in bytes
	MaxMemory int64 `yaml:"max_memory" envconfig:"MAX_MEMORY" validate:"gt=0"`

	ProgressInterval int64 `yaml:"progress_interval" envconfig:"PROGRESS_INTERVAL" validate:"gt=0"`

	// Seed keys the random source; empty draws a fresh key per run
	Seed string `yaml:"seed" envconfig:"SEED"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	// RunDir holds one directory per run with its tables, output and
	// reports
	RunDir string `yaml:"run_dir" envconfig:"RUN_DIR" validate:"required"`

	// MetricsFile receives the metrics of each run in the Prometheus
	// text format; empty disables it
	MetricsFile string `yaml:"metrics_file" envconfig:"METRICS_FILE"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "console",
			FilePath: "logs/sdc.log",
		},
		Engine: EngineConfig{
			RiskModel:        1,
			MaxMemory:        50_000_000,
			ProgressInterval: 1000,
		},
		Paths: PathsConfig{
			RunDir: "runs",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// when path is not empty, and the environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file at path on cfg
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Package config loads the YAML configuration shared by the server and the
// trainers. Values come from built-in defaults, then the YAML file, then
// MLDEPLOY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"mldeploy/logger"
)

const envPrefix = "MLDEPLOY"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Log      logger.Config  `yaml:"log"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Training TrainingConfig `yaml:"training"`
	Tracking TrackingConfig `yaml:"tracking"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" split_words:"true"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ModelConfig struct {
	Path string `yaml:"path"`
}

type DatasetConfig struct {
	DataHome string `yaml:"data_home" split_words:"true"`
}

type TrainingConfig struct {
	NEstimators int     `yaml:"n_estimators" split_words:"true"`
	RandomState int64   `yaml:"random_state" split_words:"true"`
	TestSize    float64 `yaml:"test_size" split_words:"true"`
	MaxDepth    int     `yaml:"max_depth" split_words:"true"`
	Workers     int     `yaml:"workers"`
}

type TrackingConfig struct {
	// Backend is "sqlite" or "mlflow".
	Backend      string `yaml:"backend"`
	DSN          string `yaml:"dsn" split_words:"true"`
	ArtifactRoot string `yaml:"artifact_root" split_words:"true"`
	URI          string `yaml:"uri" split_words:"true"`
	Experiment   string `yaml:"experiment"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5000,
			Timeout:      30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Model: ModelConfig{Path: "model.json.zst"},
		Log: logger.Config{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Training: TrainingConfig{
			NEstimators: 100,
			RandomState: 42,
			TestSize:    0.2,
		},
		Tracking: TrackingConfig{
			Backend:      "sqlite",
			DSN:          "mlruns.db",
			ArtifactRoot: "mlruns",
			URI:          "http://localhost:5000",
			Experiment:   "Default",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error, which
// lets every binary run with no configuration at all.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Model.Path == "" {
		return errors.New("model.path is required")
	}
	if c.Training.TestSize <= 0 || c.Training.TestSize >= 1 {
		return fmt.Errorf("training.test_size %v must be in (0, 1)", c.Training.TestSize)
	}
	switch c.Tracking.Backend {
	case "sqlite", "mlflow":
	default:
		return fmt.Errorf("tracking.backend %q must be sqlite or mlflow", c.Tracking.Backend)
	}
	return nil
}

// Package config loads veritas configuration from a YAML file with
// environment variable overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig points at the Fabric data agent under test.
type AgentConfig struct {
	WorkspaceID       string  `yaml:"workspace_id"`
	AgentID           string  `yaml:"agent_id"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// GroundTruthConfig points at the Power BI semantic model that computes
// ground truth.
type GroundTruthConfig struct {
	DatasetID         string  `yaml:"dataset_id"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// RunnerConfig controls suite execution.
type RunnerConfig struct {
	// Workers is the number of test cases evaluated concurrently.
	Workers int `yaml:"workers"`
	// CallTimeoutSeconds bounds each external engine call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// LearningConfig controls the self-learning policy thresholds.
type LearningConfig struct {
	// EscalateAfter is the number of distinct test cases failing with the
	// same category before the controller proposes an instruction revision
	// instead of per-case examples.
	EscalateAfter int `yaml:"escalate_after"`
	// QuarantineAfter is the number of repeated unclassified failures for
	// one test case before it is quarantined for human review.
	QuarantineAfter int `yaml:"quarantine_after"`
	// DedupSimilarity is the embedding cosine similarity above which two
	// questions count as duplicates. Used only when an embedder is
	// configured; normalized-text equality always applies.
	DedupSimilarity float64 `yaml:"dedup_similarity"`
	// TargetAccuracy stops the improvement cycle early once reached.
	TargetAccuracy float64 `yaml:"target_accuracy"`
	// MaxIterations bounds the improvement cycle.
	MaxIterations int `yaml:"max_iterations"`
}

// EmbeddingsConfig enables semantic question dedup. Optional: when the
// model is empty, dedup falls back to normalized text only.
type EmbeddingsConfig struct {
	Model string `yaml:"model"`
}

// Config is the full veritas configuration.
type Config struct {
	DatabaseURL string            `yaml:"database_url"`
	Agent       AgentConfig       `yaml:"agent"`
	GroundTruth GroundTruthConfig `yaml:"ground_truth"`
	Runner      RunnerConfig      `yaml:"runner"`
	Learning    LearningConfig    `yaml:"learning"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
}

// Load reads configuration from path, applies defaults, and overrides
// credentials from the environment. DATABASE_URL always wins over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and environment
// overrides, for callers running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Runner.Workers <= 0 {
		c.Runner.Workers = 4
	}
	if c.Runner.CallTimeoutSeconds <= 0 {
		c.Runner.CallTimeoutSeconds = 60
	}
	if c.Learning.EscalateAfter <= 0 {
		c.Learning.EscalateAfter = 3
	}
	if c.Learning.QuarantineAfter <= 0 {
		c.Learning.QuarantineAfter = 3
	}
	if c.Learning.DedupSimilarity <= 0 {
		c.Learning.DedupSimilarity = 0.92
	}
	if c.Learning.TargetAccuracy <= 0 {
		c.Learning.TargetAccuracy = 0.95
	}
	if c.Learning.MaxIterations <= 0 {
		c.Learning.MaxIterations = 3
	}
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.DatabaseURL = url
	}
}

func (c *Config) validate() error {
	if c.Learning.DedupSimilarity > 1 {
		return fmt.Errorf("learning.dedup_similarity must be in (0, 1], got %v", c.Learning.DedupSimilarity)
	}
	if c.Learning.TargetAccuracy > 1 {
		return fmt.Errorf("learning.target_accuracy must be in (0, 1], got %v", c.Learning.TargetAccuracy)
	}
	return nil
}

// CallTimeout returns the per-call timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Runner.CallTimeoutSeconds) * time.Second
}

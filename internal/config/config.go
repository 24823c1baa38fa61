// Package config provides configuration loading for specd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/specd/internal/logging"
)

// Config is the root configuration tree.
type Config struct {
	Logging logging.Config `koanf:"logging"`
	Storage StorageConfig  `koanf:"storage"`
	Memory  MemoryConfig   `koanf:"memory"`
	Engine  EngineConfig   `koanf:"engine"`
	Review  ReviewConfig   `koanf:"review"`
}

// StorageConfig locates the per-spec storage root.
type StorageConfig struct {
	// RootDir holds one directory per spec. Defaults to ~/.local/share/specd.
	RootDir string `koanf:"root_dir"`
}

// MemoryConfig configures the long-term memory layer.
//
// Reasoning and embedding providers are selected independently; they need
// not match. When Enabled is false the memory layer is bypassed entirely
// and consuming phases receive empty results.
type MemoryConfig struct {
	Enabled bool `koanf:"enabled"`

	// ReasoningProvider is one of: openai, anthropic, ollama, googleai.
	ReasoningProvider string `koanf:"reasoning_provider"`

	// EmbeddingProvider is one of: openai, ollama.
	EmbeddingProvider string `koanf:"embedding_provider"`

	ReasoningModel string `koanf:"reasoning_model"`
	EmbeddingModel string `koanf:"embedding_model"`

	// EmbeddingDimension must match the configured embedding model. It is
	// verified by a canary embedding call at configure time.
	EmbeddingDimension int `koanf:"embedding_dimension"`

	// Store selects the knowledge store backend: chromem (embedded,
	// default) or qdrant (remote).
	Store string `koanf:"store"`

	// Endpoint is the knowledge store URL (qdrant only).
	Endpoint string `koanf:"endpoint"`

	// Path is the on-disk database location (chromem only). Defaults to
	// <storage.root_dir>/memory.
	Path string `koanf:"path"`

	APIKey Secret `koanf:"api_key"`

	// TokenBudget caps the hint text returned per query.
	TokenBudget int `koanf:"token_budget"`

	// QueryTimeout bounds each individual memory query.
	QueryTimeout Duration `koanf:"query_timeout"`
}

// EngineConfig configures the prompt-execution collaborator.
type EngineConfig struct {
	// Provider is the reasoning provider used for phase execution.
	Provider string `koanf:"provider"`

	// Model is the default model identifier.
	Model string `koanf:"model"`

	// PhaseModels overrides the model per phase kind, e.g.
	// {"write_spec": "gpt-4o", "qa": "gpt-4o-mini"}.
	PhaseModels map[string]string `koanf:"phase_models"`

	APIKey Secret `koanf:"api_key"`

	// MaxRetries bounds retries of a failed phase execution.
	MaxRetries int `koanf:"max_retries"`
}

// ReviewConfig configures the human review gate.
type ReviewConfig struct {
	// AutoApprove bypasses interactive review while preserving the
	// fingerprint-invalidation contract.
	AutoApprove bool `koanf:"auto_approve"`

	// WaitTimeout bounds the human-review wait. Zero means indefinite.
	WaitTimeout Duration `koanf:"wait_timeout"`
}

// Default returns the configuration defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Logging: logging.DefaultConfig(),
		Storage: StorageConfig{
			RootDir: filepath.Join(home, ".local", "share", "specd"),
		},
		Memory: MemoryConfig{
			Enabled:            false,
			ReasoningProvider:  "openai",
			EmbeddingProvider:  "openai",
			EmbeddingModel:     "text-embedding-3-small",
			EmbeddingDimension: 1536,
			Store:              "chromem",
			TokenBudget:        2000,
			QueryTimeout:       Duration(10 * time.Second),
		},
		Engine: EngineConfig{
			Provider:   "openai",
			Model:      "gpt-4o",
			MaxRetries: 2,
		},
		Review: ReviewConfig{},
	}
}

// Validate checks the configuration for structural errors. Provider names
// are resolved (and canary-validated) by the memory and engine packages.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required")
	}
	if c.Memory.Enabled {
		if c.Memory.EmbeddingDimension <= 0 {
			return fmt.Errorf("memory.embedding_dimension must be set when memory is enabled")
		}
		switch c.Memory.Store {
		case "chromem":
		case "qdrant":
			if c.Memory.Endpoint == "" {
				return fmt.Errorf("memory.endpoint is required for the qdrant store")
			}
		default:
			return fmt.Errorf("unknown memory store %q", c.Memory.Store)
		}
	}
	if c.Memory.TokenBudget < 0 {
		return fmt.Errorf("memory.token_budget cannot be negative")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries cannot be negative")
	}
	return nil
}

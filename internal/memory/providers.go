package memory

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/specd/internal/config"
)

// ReasoningProvider selects the reasoning model backend.
type ReasoningProvider string

const (
	ReasoningOpenAI    ReasoningProvider = "openai"
	ReasoningAnthropic ReasoningProvider = "anthropic"
	ReasoningOllama    ReasoningProvider = "ollama"
	ReasoningGoogleAI  ReasoningProvider = "googleai"
)

// EmbeddingProvider selects the embedding model backend. It is chosen
// independently of the reasoning provider.
type EmbeddingProvider string

const (
	EmbeddingOpenAI EmbeddingProvider = "openai"
	EmbeddingOllama EmbeddingProvider = "ollama"
)

// ConfigurationError is a fatal configure-time failure: unknown provider,
// missing credentials, or an embedding dimension mismatch. It is never
// retried.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("memory configuration error (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

// Provider constructors are looked up in these registries exactly once, at
// configure time. A missing or broken provider surfaces as a
// ConfigurationError instead of a failure at query time.
var reasoningRegistry = map[ReasoningProvider]func(ctx context.Context, model string, key config.Secret) (llms.Model, error){
	ReasoningOpenAI: func(_ context.Context, model string, key config.Secret) (llms.Model, error) {
		return openai.New(openaiOpts(model, key)...)
	},
	ReasoningAnthropic: func(_ context.Context, model string, key config.Secret) (llms.Model, error) {
		opts := []anthropic.Option{}
		if model != "" {
			opts = append(opts, anthropic.WithModel(model))
		}
		if key.IsSet() {
			opts = append(opts, anthropic.WithToken(key.Value()))
		}
		return anthropic.New(opts...)
	},
	ReasoningOllama: func(_ context.Context, model string, key config.Secret) (llms.Model, error) {
		opts := []ollama.Option{}
		if model != "" {
			opts = append(opts, ollama.WithModel(model))
		}
		return ollama.New(opts...)
	},
	ReasoningGoogleAI: func(ctx context.Context, model string, key config.Secret) (llms.Model, error) {
		opts := []googleai.Option{}
		if key.IsSet() {
			opts = append(opts, googleai.WithAPIKey(key.Value()))
		}
		if model != "" {
			opts = append(opts, googleai.WithDefaultModel(model))
		}
		return googleai.New(ctx, opts...)
	},
}

// NewReasoningModel resolves a reasoning provider from the registry. The
// prompt-execution engine shares this registry so provider support stays
// in one place.
func NewReasoningModel(ctx context.Context, provider ReasoningProvider, model string, key config.Secret) (llms.Model, error) {
	factory, ok := reasoningRegistry[provider]
	if !ok {
		return nil, configErr("reasoning_provider", fmt.Errorf("unknown provider %q", provider))
	}
	m, err := factory(ctx, model, key)
	if err != nil {
		return nil, configErr("reasoning_provider", err)
	}
	return m, nil
}

var embeddingRegistry = map[EmbeddingProvider]func(cfg config.MemoryConfig) (embeddings.Embedder, error){
	EmbeddingOpenAI: func(cfg config.MemoryConfig) (embeddings.Embedder, error) {
		client, err := openai.New(openaiOpts(cfg.EmbeddingModel, cfg.APIKey)...)
		if err != nil {
			return nil, err
		}
		return embeddings.NewEmbedder(client)
	},
	EmbeddingOllama: func(cfg config.MemoryConfig) (embeddings.Embedder, error) {
		opts := []ollama.Option{}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, ollama.WithModel(cfg.EmbeddingModel))
		}
		client, err := ollama.New(opts...)
		if err != nil {
			return nil, err
		}
		return embeddings.NewEmbedder(client)
	},
}

func openaiOpts(model string, key config.Secret) []openai.Option {
	opts := []openai.Option{}
	if model != "" {
		opts = append(opts, openai.WithModel(model), openai.WithEmbeddingModel(model))
	}
	if key.IsSet() {
		opts = append(opts, openai.WithToken(key.Value()))
	}
	return opts
}

func newReasoningModel(ctx context.Context, cfg config.MemoryConfig) (llms.Model, error) {
	return NewReasoningModel(ctx, ReasoningProvider(cfg.ReasoningProvider), cfg.ReasoningModel, cfg.APIKey)
}

func newEmbedder(cfg config.MemoryConfig) (embeddings.Embedder, error) {
	factory, ok := embeddingRegistry[EmbeddingProvider(cfg.EmbeddingProvider)]
	if !ok {
		return nil, configErr("embedding_provider", fmt.Errorf("unknown provider %q", cfg.EmbeddingProvider))
	}
	embedder, err := factory(cfg)
	if err != nil {
		return nil, configErr("embedding_provider", err)
	}
	return embedder, nil
}

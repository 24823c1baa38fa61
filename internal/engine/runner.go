// Package engine executes phase prompts against a reasoning model. The
// orchestrator treats it as an opaque asynchronous collaborator with its
// own retry policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/memory"
	"github.com/fyrsmithlabs/specd/internal/specs"
)

// Request carries one phase prompt plus read-only context.
type Request struct {
	Phase  specs.PhaseKind
	Prompt string

	// Context holds prior artifacts and memory hints, already rendered.
	Context []string
}

// Artifact is the produced phase output.
type Artifact struct {
	Content []byte
}

// Runner is the prompt-execution surface consumed by the orchestrator.
type Runner interface {
	Run(ctx context.Context, req Request) (*Artifact, error)
}

// LLMRunner runs prompts against a langchaingo model with per-phase model
// selection and bounded exponential backoff.
type LLMRunner struct {
	model       llms.Model
	defaultName string
	phaseModels map[string]string
	maxRetries  int
	logger      *zap.Logger
}

// New builds a runner from engine config, resolving the provider through
// the shared registry.
func New(ctx context.Context, cfg config.EngineConfig, logger *zap.Logger) (*LLMRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	model, err := memory.NewReasoningModel(ctx, memory.ReasoningProvider(cfg.Provider), cfg.Model, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("engine provider: %w", err)
	}
	return &LLMRunner{
		model:       model,
		defaultName: cfg.Model,
		phaseModels: cfg.PhaseModels,
		maxRetries:  cfg.MaxRetries,
		logger:      logger.Named("engine"),
	}, nil
}

// modelFor resolves the model for a phase, falling back to the default.
func (r *LLMRunner) modelFor(phase specs.PhaseKind) string {
	if m, ok := r.phaseModels[string(phase)]; ok && m != "" {
		return m
	}
	return r.defaultName
}

// Run executes the prompt, retrying transient provider failures up to the
// configured budget. Cancellation is never retried.
func (r *LLMRunner) Run(ctx context.Context, req Request) (*Artifact, error) {
	prompt := req.Prompt
	if len(req.Context) > 0 {
		prompt = strings.Join(req.Context, "\n\n") + "\n\n" + prompt
	}
	modelName := r.modelFor(req.Phase)

	var output string
	op := func() error {
		var err error
		output, err = llms.GenerateFromSinglePrompt(ctx, r.model, prompt, llms.WithModel(modelName))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			r.logger.Warn("phase execution attempt failed",
				zap.String("phase", string(req.Phase)),
				zap.Error(err))
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("phase %s execution failed: %w", req.Phase, err)
	}
	return &Artifact{Content: []byte(output)}, nil
}

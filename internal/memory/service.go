package memory

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/specd/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/memory"

const (
	// defaultSearchLimit is the maximum hints fetched per query before
	// budget trimming.
	defaultSearchLimit = 8

	// defaultQueryTimeout bounds a query when neither the request nor the
	// config sets one.
	defaultQueryTimeout = 10 * time.Second

	// approxCharsPerToken is the budget estimate used to cap hint text.
	approxCharsPerToken = 4

	// maxQueryConcurrency bounds the QueryMany fan-out.
	maxQueryConcurrency = 8

	// recordMaxRetries bounds backoff retries of knowledge writes.
	recordMaxRetries = 3
)

// Service is the memory query layer. Its provider configuration is
// immutable after Configure; the service holds no other mutable state.
type Service struct {
	cfg       config.MemoryConfig
	knowledge Knowledge
	embedder  embeddings.Embedder
	model     llms.Model
	provider  string
	enabled   bool
	logger    *zap.Logger

	tracer         trace.Tracer
	queryCounter   metric.Int64Counter
	degradeCounter metric.Int64Counter
}

var _ Querier = (*Service)(nil)

// Configure resolves the selected reasoning and embedding providers, opens
// the knowledge store, and validates the embedding dimension with one
// canary embedding call. Any failure is a *ConfigurationError; nothing is
// deferred to query time.
//
// A config with Enabled=false yields a bypassed service whose queries
// return empty results without contacting any provider.
func Configure(ctx context.Context, cfg config.MemoryConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return disabled(cfg, logger), nil
	}

	model, err := newReasoningModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	vec, err := embedder.EmbedQuery(ctx, "specd embedding canary")
	if err != nil {
		return nil, configErr("embedding_provider", fmt.Errorf("canary embedding failed: %w", err))
	}
	if len(vec) != cfg.EmbeddingDimension {
		return nil, configErr("embedding_dimension",
			fmt.Errorf("model produced dimension %d, config declares %d", len(vec), cfg.EmbeddingDimension))
	}

	knowledge, err := newKnowledge(cfg, embedder)
	if err != nil {
		return nil, err
	}
	return newService(cfg, knowledge, embedder, model, cfg.EmbeddingProvider, true, logger), nil
}

func disabled(cfg config.MemoryConfig, logger *zap.Logger) *Service {
	return newService(cfg, nil, nil, nil, "disabled", false, logger)
}

func newService(cfg config.MemoryConfig, knowledge Knowledge, embedder embeddings.Embedder,
	model llms.Model, provider string, enabled bool, logger *zap.Logger) *Service {

	meter := otel.Meter(instrumentationName)
	queryCounter, _ := meter.Int64Counter("specd.memory.queries",
		metric.WithDescription("Memory queries executed"))
	degradeCounter, _ := meter.Int64Counter("specd.memory.degraded",
		metric.WithDescription("Memory queries degraded to empty results"))

	return &Service{
		cfg:            cfg,
		knowledge:      knowledge,
		embedder:       embedder,
		model:          model,
		provider:       provider,
		enabled:        enabled,
		logger:         logger.Named("memory"),
		tracer:         otel.Tracer(instrumentationName),
		queryCounter:   queryCounter,
		degradeCounter: degradeCounter,
	}
}

// Enabled reports whether the layer contacts any provider.
func (s *Service) Enabled() bool { return s.enabled }

// Query runs one semantic search bounded by the request timeout. It never
// returns an error: failures, timeouts, and empty stores all degrade to an
// empty-but-valid result.
func (s *Service) Query(ctx context.Context, req Request) QueryResult {
	start := time.Now()
	result := QueryResult{Key: req.Scope, Provider: s.provider}

	ctx, span := s.tracer.Start(ctx, "memory.Query",
		trace.WithAttributes(attribute.String("memory.scope", req.Scope)))
	defer span.End()
	s.queryCounter.Add(ctx, 1)

	if !s.enabled {
		result.Latency = time.Since(start)
		return result
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.QueryTimeout.Duration()
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hits, err := s.knowledge.Search(ctx, req.Scope, req.Text, defaultSearchLimit)
	result.Latency = time.Since(start)
	if err != nil {
		s.degradeCounter.Add(ctx, 1)
		s.logger.Warn("memory query degraded to empty result",
			zap.String("scope", req.Scope),
			zap.Error(err))
		result.Degraded = true
		result.DegradeReason = err.Error()
		return result
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = s.cfg.TokenBudget
	}
	result.Hints = trimToBudget(hits, budget)
	return result
}

// QueryMany executes all requests concurrently and returns once every one
// has settled. One slow or failing provider never blocks or fails
// unrelated queries beyond its own timeout: exactly len(reqs) results come
// back, failed entries marked degraded.
func (s *Service) QueryMany(ctx context.Context, reqs map[string]Request) map[string]QueryResult {
	results := make(map[string]QueryResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	type keyed struct {
		key string
		res QueryResult
	}
	out := make(chan keyed, len(reqs))

	g := &errgroup.Group{}
	g.SetLimit(maxQueryConcurrency)
	for key, req := range reqs {
		key, req := key, req
		g.Go(func() error {
			res := s.Query(ctx, req)
			res.Key = key
			out <- keyed{key: key, res: res}
			return nil
		})
	}
	// Queries cannot fail; the group is used purely as a bounded join.
	_ = g.Wait()
	close(out)

	for kv := range out {
		results[kv.key] = kv.res
	}
	return results
}

// Record writes a learning back to the project scope. Unlike queries this
// is a required outbound operation, so transient store failures are
// retried with bounded exponential backoff before the error is returned.
func (s *Service) Record(ctx context.Context, scope, text string, metadata map[string]string) error {
	if !s.enabled {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "memory.Record",
		trace.WithAttributes(attribute.String("memory.scope", scope)))
	defer span.End()

	doc := Document{ID: uuid.NewString(), Content: text, Metadata: metadata}
	op := func() error {
		return s.knowledge.Add(ctx, scope, []Document{doc})
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), recordMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("failed to record memory: %w", err)
	}
	return nil
}

// Condense rewrites text to fit maxTokens using the reasoning model.
// Best-effort like every read path here: on any provider failure the text
// is truncated to the budget instead.
func (s *Service) Condense(ctx context.Context, text string, maxTokens int) string {
	limit := maxTokens * approxCharsPerToken
	if len(text) <= limit {
		return text
	}
	if s.enabled && s.model != nil {
		prompt := fmt.Sprintf(
			"Condense the following notes to at most %d words, keeping concrete facts:\n\n%s",
			maxTokens/2, text)
		condensed, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt)
		if err == nil && condensed != "" && len(condensed) <= limit {
			return condensed
		}
		if err != nil {
			s.logger.Warn("condense degraded to truncation", zap.Error(err))
		}
	}
	return truncateToRune(text, limit)
}

// truncateToRune cuts s to at most limit bytes without splitting a
// multi-byte rune.
func truncateToRune(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// trimToBudget converts search hits to hints, dropping hits once the
// approximate token budget is spent. Order is preserved.
func trimToBudget(hits []SearchResult, tokenBudget int) []Hint {
	hints := make([]Hint, 0, len(hits))
	remaining := tokenBudget * approxCharsPerToken
	for _, h := range hits {
		if tokenBudget > 0 {
			if remaining <= 0 {
				break
			}
			h.Content = truncateToRune(h.Content, remaining)
			remaining -= len(h.Content)
		}
		hints = append(hints, Hint{Text: h.Content, Score: h.Score})
	}
	return hints
}

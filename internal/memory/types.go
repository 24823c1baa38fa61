// Package memory retrieves contextual hints from a long-term knowledge
// store through a provider-agnostic interface.
//
// The layer is strictly best-effort: any provider error, connectivity
// failure, or empty underlying store degrades to an empty-but-valid result.
// No failure escapes this package's query surface.
package memory

import (
	"context"
	"time"
)

// Hint is a short retrieved snippet of prior contextual knowledge.
type Hint struct {
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// Request describes one semantic search.
type Request struct {
	// Scope is the retrieval scope key: the enclosing project root, not
	// the individual spec, so learning carries across tasks in a project.
	Scope string

	// Text is the search query.
	Text string

	// TokenBudget caps the total hint text returned. Zero means the
	// service default.
	TokenBudget int

	// Timeout bounds this query independently of its siblings. Zero means
	// the service default.
	Timeout time.Duration
}

// QueryResult is the outcome of one query. Ephemeral; the orchestrator
// persists at most a capped snapshot for audit.
type QueryResult struct {
	Key      string        `json:"key"`
	Hints    []Hint        `json:"hints"`
	Latency  time.Duration `json:"latency"`
	Provider string        `json:"provider"`

	// Degraded marks a result that is empty (or partial) because the
	// provider failed, timed out, or had nothing stored.
	Degraded      bool   `json:"degraded,omitempty"`
	DegradeReason string `json:"degrade_reason,omitempty"`
}

// Querier is the surface phases consume. Implementations never return an
// error from a query: callers must not fail a phase because historical
// memory was unavailable. Condense is equally best-effort and falls back
// to truncation.
type Querier interface {
	Query(ctx context.Context, req Request) QueryResult
	QueryMany(ctx context.Context, reqs map[string]Request) map[string]QueryResult
	Condense(ctx context.Context, text string, maxTokens int) string
}

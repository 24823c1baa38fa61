// Package orchestrator drives one spec through the declared phase
// sequence with resumability, a mandatory review checkpoint before build,
// and best-effort memory augmentation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/specd/internal/memory"
	"github.com/fyrsmithlabs/specd/internal/review"
	"github.com/fyrsmithlabs/specd/internal/specs"
)

// ErrCancelled marks a phase failed by an external abort. It propagates
// immediately, is never retried, and never touches ReviewState.
var ErrCancelled = errors.New("cancelled")

// PhaseError wraps a required phase failure after its retry budget is
// exhausted. The orchestrator halts on it; it never silently continues
// past a required-phase failure.
type PhaseError struct {
	Kind     specs.PhaseKind
	Attempts int
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// GateError reports that the review gate denied progress.
type GateError struct {
	Decision review.Decision
}

func (e *GateError) Error() string {
	return fmt.Sprintf("review gate denied progress: %s", e.Decision)
}

// Context is the read-only input handed to a phase handler: all prior
// artifacts plus the historical-context bundle when one exists.
type Context struct {
	Spec      *specs.Spec
	Store     *specs.Store
	Artifacts map[specs.PhaseKind][]byte
	Memory    map[string]memory.QueryResult
}

// Handler executes the work of one phase and returns its artifact
// content. The orchestrator owns persistence: the artifact is written in
// full or not at all.
type Handler interface {
	Kind() specs.PhaseKind
	Run(ctx context.Context, pc *Context) ([]byte, error)
}

// Options tune a single orchestrator run.
type Options struct {
	// FromPhase forces execution to restart at a phase instead of the
	// first non-completed one.
	FromPhase specs.PhaseKind

	// StopAfterGate halts successfully once the review gate is reached
	// (or passed), without executing build/QA. Used by create-spec.
	StopAfterGate bool

	// Presenter collects the review decision. Defaults to a presenter
	// that leaves the spec pending.
	Presenter review.Presenter
}

// retryBudgets are the phase-specific retry counts applied on top of the
// engine's own transient-error retries. Optional phases get no retries;
// they degrade to skipped.
var retryBudgets = map[specs.PhaseKind]int{
	specs.PhaseIndex:             1,
	specs.PhaseDiscover:          2,
	specs.PhaseHistoricalContext: 0,
	specs.PhaseWriteSpec:         2,
	specs.PhaseValidate:          2,
	specs.PhaseBuild:             1,
	specs.PhaseQA:                1,
}

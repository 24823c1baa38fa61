package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/memory"
	"github.com/fyrsmithlabs/specd/internal/review"
	"github.com/fyrsmithlabs/specd/internal/specs"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/orchestrator"

// Orchestrator sequences phases for one spec at a time. Specs are
// processed sequentially; the spec-directory lock rejects a second
// concurrent run of the same spec.
type Orchestrator struct {
	store    *specs.Store
	gate     *review.Gate
	mem      *memory.Service
	handlers map[specs.PhaseKind]Handler
	cfg      config.ReviewConfig
	logger   *zap.Logger

	tracer       trace.Tracer
	phaseCounter metric.Int64Counter
}

// New creates an orchestrator. Handlers for every non-gate phase must be
// registered before Run.
func New(store *specs.Store, gate *review.Gate, mem *memory.Service, reviewCfg config.ReviewConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	phaseCounter, _ := meter.Int64Counter("specd.orchestrator.phases",
		metric.WithDescription("Phase executions by kind and status"))

	return &Orchestrator{
		store:        store,
		gate:         gate,
		mem:          mem,
		handlers:     make(map[specs.PhaseKind]Handler),
		cfg:          reviewCfg,
		logger:       logger.Named("orchestrator"),
		tracer:       otel.Tracer(instrumentationName),
		phaseCounter: phaseCounter,
	}
}

// Register adds a phase handler.
func (o *Orchestrator) Register(h Handler) {
	o.handlers[h.Kind()] = h
}

// Run executes phases in order, starting at opts.FromPhase or the first
// non-completed phase. It stops and reports when a required phase
// exhausts its retry budget or the review gate denies progress.
func (o *Orchestrator) Run(ctx context.Context, specID string, opts Options) (*specs.Spec, error) {
	lock, err := o.store.AcquireLock(specID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	spec, err := o.store.LoadSpec(specID)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(attribute.String("spec.id", specID)))
	defer span.End()

	if err := o.revalidate(ctx, spec); err != nil {
		return spec, err
	}

	start := o.startIndex(spec, opts.FromPhase)
	phases := specs.AllPhases()

	// An explicit fromPhase forces re-execution from that point.
	if opts.FromPhase != "" {
		for i := start; i < len(phases); i++ {
			if r := spec.Phase(phases[i]); r != nil {
				*r = specs.PhaseResult{Kind: phases[i], Status: specs.PhasePending}
			}
		}
	}

	if spec.Status != specs.SpecCompleted {
		spec.Status = specs.SpecRunning
	}

	for i := start; i < len(phases); i++ {
		kind := phases[i]
		result := spec.Phase(kind)

		// Cancellation between phases: nothing is running, so no phase
		// record is touched. Only a phase that entered running is marked
		// failed, inside runPhase.
		if err := ctx.Err(); err != nil {
			return spec, fmt.Errorf("%w: before phase %s: %v", ErrCancelled, kind, err)
		}

		if kind == specs.PhaseReviewGate {
			decision, err := o.runGate(ctx, spec, result, opts)
			if err != nil {
				return spec, err
			}
			if decision != review.Approved {
				spec.Status = specs.SpecGated
				spec.Current = kind
				if err := o.store.SaveSpec(spec); err != nil {
					return spec, err
				}
				return spec, &GateError{Decision: decision}
			}
			if opts.StopAfterGate {
				spec.Status = specs.SpecGated
				if err := o.store.SaveSpec(spec); err != nil {
					return spec, err
				}
				return spec, nil
			}
			continue
		}

		if result.Status == specs.PhaseCompleted || result.Status == specs.PhaseSkipped {
			continue
		}
		if err := o.runPhase(ctx, spec, result); err != nil {
			return spec, err
		}
	}

	spec.Status = specs.SpecCompleted
	if err := o.store.SaveSpec(spec); err != nil {
		return spec, err
	}
	o.recordLearning(ctx, spec)
	return spec, nil
}

// startIndex finds the phase to resume from.
func (o *Orchestrator) startIndex(spec *specs.Spec, from specs.PhaseKind) int {
	phases := specs.AllPhases()
	if from != "" {
		for i, k := range phases {
			if k == from {
				return i
			}
		}
	}
	for i, k := range phases {
		r := spec.Phase(k)
		if r == nil || (r.Status != specs.PhaseCompleted && r.Status != specs.PhaseSkipped) {
			return i
		}
	}
	return len(phases)
}

// revalidate compares recorded fingerprints of completed phases against
// the current on-disk artifacts. The first divergence invalidates that
// phase and everything downstream, including a prior review approval.
func (o *Orchestrator) revalidate(ctx context.Context, spec *specs.Spec) error {
	divergence := -1
	phases := specs.AllPhases()
	for i, kind := range phases {
		r := spec.Phase(kind)
		if r == nil || r.Status != specs.PhaseCompleted || r.Fingerprint == "" {
			continue
		}
		content, err := o.store.ReadArtifact(spec.ID, kind)
		if err != nil {
			return err
		}
		if specs.Fingerprint(content) != r.Fingerprint {
			divergence = i
			break
		}
	}
	if divergence < 0 {
		return nil
	}

	o.logger.Warn("on-disk artifact diverged; invalidating downstream phases",
		zap.String("spec_id", spec.ID),
		zap.String("phase", string(phases[divergence])))

	for i := divergence; i < len(phases); i++ {
		r := spec.Phase(phases[i])
		if r == nil {
			continue
		}
		*r = specs.PhaseResult{Kind: phases[i], Status: specs.PhasePending}
	}

	// A stale approval must not survive re-execution.
	rs, err := o.store.LoadReview(spec.ID)
	if err != nil {
		return err
	}
	if rs.Approved {
		rs.Approved = false
		rs.ApprovedBy = ""
		rs.ApprovedAt = nil
		rs.ContentFingerprint = ""
		if err := o.store.SaveReview(spec.ID, rs); err != nil {
			return err
		}
	}

	spec.Status = specs.SpecRunning
	return o.store.SaveSpec(spec)
}

// runGate evaluates the review checkpoint, collecting a fresh decision
// through the presenter when the spec is still pending.
func (o *Orchestrator) runGate(ctx context.Context, spec *specs.Spec, result *specs.PhaseResult, opts Options) (review.Decision, error) {
	decision, err := o.gate.Evaluate(ctx, spec.ID)
	if err != nil {
		return review.PendingReview, err
	}

	if decision != review.Approved && opts.Presenter != nil {
		decision, err = o.gate.Run(ctx, spec.ID, opts.Presenter, o.cfg.WaitTimeout.Duration())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Interrupted review equals PendingReview; feedback was
				// persisted by the gate, approval was not.
				return review.PendingReview, nil
			}
			return review.PendingReview, err
		}
	}

	if decision == review.Approved {
		now := time.Now().UTC()
		result.Status = specs.PhaseCompleted
		if result.StartedAt.IsZero() {
			result.StartedAt = now
		}
		result.CompletedAt = now
		if err := o.store.SaveSpec(spec); err != nil {
			return decision, err
		}
	}
	o.phaseCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(specs.PhaseReviewGate)),
		attribute.String("decision", string(decision))))
	return decision, nil
}

// runPhase executes one non-gate phase with its retry budget. Required
// phase exhaustion halts the run; optional phases degrade to skipped.
func (o *Orchestrator) runPhase(ctx context.Context, spec *specs.Spec, result *specs.PhaseResult) error {
	kind := result.Kind
	handler, ok := o.handlers[kind]
	if !ok {
		return fmt.Errorf("no handler registered for phase %s", kind)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.phase",
		trace.WithAttributes(attribute.String("phase", string(kind))))
	defer span.End()

	result.Status = specs.PhaseRunning
	result.StartedAt = time.Now().UTC()
	result.Error = ""
	spec.Current = kind
	if err := o.store.SaveSpec(spec); err != nil {
		return err
	}

	pc, err := o.phaseContext(spec)
	if err != nil {
		return err
	}

	var content []byte
	attempts := 0
	op := func() error {
		attempts++
		var runErr error
		content, runErr = handler.Run(ctx, pc)
		if runErr != nil {
			if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
				return backoff.Permanent(runErr)
			}
			o.logger.Warn("phase attempt failed",
				zap.String("spec_id", spec.ID),
				zap.String("phase", string(kind)),
				zap.Int("attempt", attempts),
				zap.Error(runErr))
		}
		return runErr
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retryBudgets[kind])), ctx)
	execErr := backoff.Retry(op, policy)
	result.Attempts = attempts

	if execErr != nil {
		if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
			return o.markCancelled(spec, result, execErr)
		}
		if kind.Optional() {
			o.logger.Warn("optional phase skipped after failure",
				zap.String("spec_id", spec.ID),
				zap.String("phase", string(kind)),
				zap.Error(execErr))
			result.Status = specs.PhaseSkipped
			result.Error = execErr.Error()
			result.CompletedAt = time.Now().UTC()
			o.countPhase(ctx, kind, result.Status)
			return o.store.SaveSpec(spec)
		}
		result.Status = specs.PhaseFailed
		result.Error = execErr.Error()
		result.CompletedAt = time.Now().UTC()
		spec.Status = specs.SpecFailed
		o.countPhase(ctx, kind, result.Status)
		if err := o.store.SaveSpec(spec); err != nil {
			return err
		}
		return &PhaseError{Kind: kind, Attempts: attempts, Err: execErr}
	}

	// The artifact is persisted in full or not at all; a failed phase
	// leaves nothing visible downstream.
	rel, err := o.store.WriteArtifact(spec.ID, kind, content)
	if err != nil {
		return err
	}
	result.ArtifactPath = rel
	result.Fingerprint = specs.Fingerprint(content)
	result.Status = specs.PhaseCompleted
	result.CompletedAt = time.Now().UTC()
	o.countPhase(ctx, kind, result.Status)
	return o.store.SaveSpec(spec)
}

// markCancelled records an externally triggered abort: the running phase
// fails with ErrCancelled, and ReviewState is left untouched so an
// approved build can be retried without re-review.
func (o *Orchestrator) markCancelled(spec *specs.Spec, result *specs.PhaseResult, cause error) error {
	result.Status = specs.PhaseFailed
	result.Error = ErrCancelled.Error()
	result.CompletedAt = time.Now().UTC()
	if err := o.store.SaveSpec(spec); err != nil {
		o.logger.Error("failed to persist cancelled phase",
			zap.String("spec_id", spec.ID), zap.Error(err))
	}
	return fmt.Errorf("%w: phase %s: %v", ErrCancelled, result.Kind, cause)
}

// phaseContext assembles the read-only input for a handler: all completed
// artifacts plus the historical-context bundle when one was captured.
func (o *Orchestrator) phaseContext(spec *specs.Spec) (*Context, error) {
	artifacts := make(map[specs.PhaseKind][]byte)
	for _, r := range spec.Phases {
		if r.Status != specs.PhaseCompleted || r.ArtifactPath == "" {
			continue
		}
		content, err := o.store.ReadArtifact(spec.ID, r.Kind)
		if err != nil {
			return nil, err
		}
		artifacts[r.Kind] = content
	}

	var bundle map[string]memory.QueryResult
	if _, err := o.store.ReadSnapshot(spec.ID, &bundle); err != nil {
		o.logger.Warn("unreadable memory snapshot ignored",
			zap.String("spec_id", spec.ID), zap.Error(err))
		bundle = nil
	}

	return &Context{
		Spec:      spec,
		Store:     o.store,
		Artifacts: artifacts,
		Memory:    bundle,
	}, nil
}

// recordLearning writes a completion summary back to project memory.
// Best-effort: failures are logged and never fail the run.
func (o *Orchestrator) recordLearning(ctx context.Context, spec *specs.Spec) {
	if o.mem == nil || !o.mem.Enabled() {
		return
	}
	summary := fmt.Sprintf("Completed spec %s: %s", spec.ID, spec.Task)
	if err := o.mem.Record(context.WithoutCancel(ctx), spec.RootDir, summary, map[string]string{
		"spec_id": spec.ID,
		"kind":    "completion",
	}); err != nil {
		o.logger.Warn("failed to record completion to memory",
			zap.String("spec_id", spec.ID), zap.Error(err))
	}
}

func (o *Orchestrator) countPhase(ctx context.Context, kind specs.PhaseKind, status specs.PhaseStatus) {
	o.phaseCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(kind)),
		attribute.String("status", string(status))))
}

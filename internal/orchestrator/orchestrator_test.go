package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/engine"
	"github.com/fyrsmithlabs/specd/internal/indexer"
	"github.com/fyrsmithlabs/specd/internal/memory"
	"github.com/fyrsmithlabs/specd/internal/review"
	"github.com/fyrsmithlabs/specd/internal/specs"
)

// fakeRunner returns canned content per phase, with programmable failures
// and per-phase hooks for cancellation tests.
type fakeRunner struct {
	mu    sync.Mutex
	calls map[specs.PhaseKind]int
	fails map[specs.PhaseKind]int
	hooks map[specs.PhaseKind]func(ctx context.Context) error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls: make(map[specs.PhaseKind]int),
		fails: make(map[specs.PhaseKind]int),
		hooks: make(map[specs.PhaseKind]func(ctx context.Context) error),
	}
}

func (r *fakeRunner) Run(ctx context.Context, req engine.Request) (*engine.Artifact, error) {
	r.mu.Lock()
	r.calls[req.Phase]++
	remaining := r.fails[req.Phase]
	if remaining > 0 {
		r.fails[req.Phase] = remaining - 1
	}
	hook := r.hooks[req.Phase]
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if remaining > 0 {
		return nil, errors.New("provider unavailable")
	}
	if req.Phase == specs.PhaseWriteSpec {
		return &engine.Artifact{Content: []byte("# Plan\n\n## Step one\n\ndo it\n\n## Step two\n\nfinish it\n")}, nil
	}
	return &engine.Artifact{Content: []byte("output for " + string(req.Phase) + "\n")}, nil
}

func (r *fakeRunner) callCount(kind specs.PhaseKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[kind]
}

type fixture struct {
	orch   *Orchestrator
	store  *specs.Store
	runner *fakeRunner
	spec   *specs.Spec
}

func newFixture(t *testing.T, provenance specs.Provenance) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := specs.NewStore(t.TempDir())
	require.NoError(t, err)

	projectRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "main.go"), []byte("package main\n"), 0o644))

	spec, err := store.CreateSpec("add retry to uploader", projectRoot)
	require.NoError(t, err)

	mem, err := memory.Configure(context.Background(), config.MemoryConfig{Enabled: false}, logger)
	require.NoError(t, err)

	runner := newFakeRunner()
	orch := New(store, review.NewGate(store, logger), mem, config.ReviewConfig{}, logger)
	orch.Register(&IndexHandler{Indexer: indexer.NewFS(logger)})
	orch.Register(&DiscoverHandler{Runner: runner})
	orch.Register(&HistoricalContextHandler{Mem: mem, TokenBudget: 2000})
	orch.Register(&WriteSpecHandler{Runner: runner, Provenance: provenance})
	orch.Register(&ValidateHandler{Runner: runner})
	orch.Register(&BuildHandler{Runner: runner})
	orch.Register(&QAHandler{Runner: runner})

	return &fixture{orch: orch, store: store, runner: runner, spec: spec}
}

func TestRun_StopsAtGatePendingReview(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)

	spec, err := f.orch.Run(context.Background(), f.spec.ID, Options{StopAfterGate: true})
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, review.PendingReview, gateErr.Decision)
	assert.Equal(t, specs.SpecGated, spec.Status)

	// Everything before the gate completed; nothing after it ran.
	for _, kind := range []specs.PhaseKind{specs.PhaseIndex, specs.PhaseDiscover, specs.PhaseWriteSpec, specs.PhaseValidate} {
		assert.Equal(t, specs.PhaseCompleted, spec.Phase(kind).Status, string(kind))
	}
	assert.Equal(t, specs.PhaseCompleted, spec.Phase(specs.PhaseHistoricalContext).Status)
	assert.Equal(t, specs.PhasePending, spec.Phase(specs.PhaseBuild).Status)
	assert.Zero(t, f.runner.callCount(specs.PhaseBuild))

	// The reviewable plan exists and carries the chunk graph.
	plan, err := f.store.ReadPlan(spec.ID)
	require.NoError(t, err)
	assert.Contains(t, string(plan), "## Step one")
	tasks, err := f.store.LoadTasks(spec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Len(t, tasks[0].Chunks, 2)
}

func TestRun_AutoApproveCompletesPipeline(t *testing.T) {
	f := newFixture(t, specs.ProvenanceIdeation)

	spec, err := f.orch.Run(context.Background(), f.spec.ID, Options{Presenter: review.AutoPresenter{}})
	require.NoError(t, err)
	assert.Equal(t, specs.SpecCompleted, spec.Status)

	rs, err := f.store.LoadReview(spec.ID)
	require.NoError(t, err)
	assert.True(t, rs.Approved)
	assert.Equal(t, "auto", rs.ApprovedBy)

	buildLog, err := f.store.ReadArtifact(spec.ID, specs.PhaseBuild)
	require.NoError(t, err)
	assert.Contains(t, string(buildLog), "Step one")

	tasks, err := f.store.LoadTasks(spec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, specs.TaskAIReview, specs.DeriveStatus(tasks[0]))
}

func TestRun_DisabledMemoryYieldsEmptyContext(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)

	spec, err := f.orch.Run(context.Background(), f.spec.ID, Options{Presenter: review.AutoPresenter{}})
	require.NoError(t, err)
	assert.Equal(t, specs.SpecCompleted, spec.Status)

	art, err := f.store.ReadArtifact(spec.ID, specs.PhaseHistoricalContext)
	require.NoError(t, err)
	assert.Contains(t, string(art), "No historical context available.")

	// The capped snapshot was still persisted for audit.
	var bundle map[string]memory.QueryResult
	found, err := f.store.ReadSnapshot(spec.ID, &bundle)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, bundle, 3)
}

func TestRun_RequiredPhaseRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)
	f.runner.fails[specs.PhaseDiscover] = 1

	spec, err := f.orch.Run(context.Background(), f.spec.ID, Options{StopAfterGate: true})
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, specs.PhaseCompleted, spec.Phase(specs.PhaseDiscover).Status)
	assert.Equal(t, 2, spec.Phase(specs.PhaseDiscover).Attempts)
}

func TestRun_RequiredPhaseExhaustsBudget(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)
	f.runner.fails[specs.PhaseDiscover] = 10

	spec, err := f.orch.Run(context.Background(), f.spec.ID, Options{})
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	assert.Equal(t, specs.PhaseDiscover, phaseErr.Kind)
	assert.Equal(t, specs.SpecFailed, spec.Status)
	assert.Equal(t, specs.PhaseFailed, spec.Phase(specs.PhaseDiscover).Status)
	assert.NotEmpty(t, spec.Phase(specs.PhaseDiscover).Error)
	assert.Zero(t, f.runner.callCount(specs.PhaseWriteSpec))
}

// failingHandler replaces a registered handler to force a phase error.
type failingHandler struct{ kind specs.PhaseKind }

func (h *failingHandler) Kind() specs.PhaseKind { return h.kind }
func (h *failingHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	return nil, errors.New("backend offline")
}

func TestRun_OptionalPhaseDegradesToSkipped(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)
	f.orch.Register(&failingHandler{kind: specs.PhaseHistoricalContext})

	spec, err := f.orch.Run(context.Background(), f.spec.ID, Options{Presenter: review.AutoPresenter{}})
	require.NoError(t, err)
	assert.Equal(t, specs.SpecCompleted, spec.Status)
	assert.Equal(t, specs.PhaseSkipped, spec.Phase(specs.PhaseHistoricalContext).Status)
	assert.Equal(t, "backend offline", spec.Phase(specs.PhaseHistoricalContext).Error)
}

func TestRun_CancelDuringBuildPreservesApproval(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)
	ctx := context.Background()

	// Reach and pass the gate first.
	_, err := f.orch.Run(ctx, f.spec.ID, Options{StopAfterGate: true, Presenter: review.AutoPresenter{}})
	require.NoError(t, err)

	// Cancel while the build phase is executing.
	buildCtx, cancel := context.WithCancel(ctx)
	f.runner.hooks[specs.PhaseBuild] = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}
	spec, err := f.orch.Run(buildCtx, f.spec.ID, Options{})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, specs.PhaseFailed, spec.Phase(specs.PhaseBuild).Status)
	assert.Equal(t, ErrCancelled.Error(), spec.Phase(specs.PhaseBuild).Error)

	// Approval survives the abort; the retry needs no re-review.
	rs, err := f.store.LoadReview(spec.ID)
	require.NoError(t, err)
	assert.True(t, rs.Approved)

	f.runner.hooks[specs.PhaseBuild] = nil
	spec, err = f.orch.Run(ctx, f.spec.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, specs.SpecCompleted, spec.Status)
	assert.Equal(t, specs.PhaseCompleted, spec.Phase(specs.PhaseBuild).Status)
}

func TestRun_CancelBetweenPhasesTouchesNoPhaseRecord(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spec, err := f.orch.Run(ctx, f.spec.ID, Options{})
	require.ErrorIs(t, err, ErrCancelled)

	// No phase was running, so none may be marked failed.
	for _, kind := range specs.AllPhases() {
		assert.Equal(t, specs.PhasePending, spec.Phase(kind).Status, string(kind))
		assert.Empty(t, spec.Phase(kind).Error, string(kind))
	}
	assert.Zero(t, f.runner.callCount(specs.PhaseDiscover))
}

func TestRun_ArtifactTamperInvalidatesApprovalAndDownstream(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)
	ctx := context.Background()

	_, err := f.orch.Run(ctx, f.spec.ID, Options{StopAfterGate: true, Presenter: review.AutoPresenter{}})
	require.NoError(t, err)

	// Mutate the approved spec artifact on disk behind the orchestrator.
	_, err = f.store.WriteArtifact(f.spec.ID, specs.PhaseWriteSpec, []byte("# Plan\n\n## Tampered\n"))
	require.NoError(t, err)

	spec, err := f.orch.Run(ctx, f.spec.ID, Options{StopAfterGate: true})
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, review.PendingReview, gateErr.Decision)

	rs, err := f.store.LoadReview(spec.ID)
	require.NoError(t, err)
	assert.False(t, rs.Approved)

	// write_spec re-ran after invalidation; index stayed valid.
	assert.Equal(t, 2, f.runner.callCount(specs.PhaseWriteSpec))
	assert.Equal(t, specs.PhaseCompleted, spec.Phase(specs.PhaseIndex).Status)
}

func TestRun_FromPhaseForcesReexecution(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)
	ctx := context.Background()

	spec, err := f.orch.Run(ctx, f.spec.ID, Options{Presenter: review.AutoPresenter{}})
	require.NoError(t, err)
	require.Equal(t, specs.SpecCompleted, spec.Status)
	require.Equal(t, 1, f.runner.callCount(specs.PhaseQA))

	spec, err = f.orch.Run(ctx, f.spec.ID, Options{FromPhase: specs.PhaseQA})
	require.NoError(t, err)
	assert.Equal(t, specs.SpecCompleted, spec.Status)
	assert.Equal(t, 2, f.runner.callCount(specs.PhaseQA))
	// Upstream phases were not re-run.
	assert.Equal(t, 1, f.runner.callCount(specs.PhaseWriteSpec))
}

func TestRun_SecondRunnerForSameSpecIsRejected(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)

	lock, err := f.store.AcquireLock(f.spec.ID)
	require.NoError(t, err)
	defer lock.Release()

	_, err = f.orch.Run(context.Background(), f.spec.ID, Options{})
	assert.ErrorIs(t, err, specs.ErrSpecLocked)
}

func TestRun_ResumeSkipsCompletedPhases(t *testing.T) {
	f := newFixture(t, specs.ProvenanceManual)
	ctx := context.Background()

	_, err := f.orch.Run(ctx, f.spec.ID, Options{StopAfterGate: true})
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	require.Equal(t, 1, f.runner.callCount(specs.PhaseDiscover))

	// Approve out of band, then resume: pre-gate phases must not re-run.
	fp, err := f.store.ContentFingerprint(f.spec.ID)
	require.NoError(t, err)
	gate := review.NewGate(f.store, zaptest.NewLogger(t))
	require.NoError(t, gate.Approve(ctx, f.spec.ID, fp, "alice", nil))

	spec, err := f.orch.Run(ctx, f.spec.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, specs.SpecCompleted, spec.Status)
	assert.Equal(t, 1, f.runner.callCount(specs.PhaseDiscover))
	assert.Equal(t, 1, f.runner.callCount(specs.PhaseWriteSpec))
}

// Package specs defines the persistent data model for the spec pipeline:
// specs with per-phase results, review state, and tasks broken into chunks.
//
// Task lifecycle status is never stored; it is derived on demand by
// DeriveStatus, the single implementation of the derivation rule.
package specs

import (
	"time"
)

// PhaseKind identifies one pipeline phase.
type PhaseKind string

const (
	PhaseIndex             PhaseKind = "index"
	PhaseDiscover          PhaseKind = "discover"
	PhaseHistoricalContext PhaseKind = "historical_context"
	PhaseWriteSpec         PhaseKind = "write_spec"
	PhaseValidate          PhaseKind = "validate"
	PhaseReviewGate        PhaseKind = "review_gate"
	PhaseBuild             PhaseKind = "build"
	PhaseQA                PhaseKind = "qa"
)

// AllPhases returns the phase kinds in execution order.
func AllPhases() []PhaseKind {
	return []PhaseKind{
		PhaseIndex,
		PhaseDiscover,
		PhaseHistoricalContext,
		PhaseWriteSpec,
		PhaseValidate,
		PhaseReviewGate,
		PhaseBuild,
		PhaseQA,
	}
}

// Optional reports whether a phase may be skipped on failure.
// Historical context is best-effort; every other phase is required.
func (k PhaseKind) Optional() bool {
	return k == PhaseHistoricalContext
}

// PhaseStatus is the lifecycle status of one phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Terminal reports whether the status is terminal for a run.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed
}

// PhaseResult captures the outcome of one phase execution.
type PhaseResult struct {
	Kind   PhaseKind   `json:"kind"`
	Status PhaseStatus `json:"status"`

	// ArtifactPath is the phase artifact, relative to the spec directory.
	// Empty until the phase completes.
	ArtifactPath string `json:"artifact_path,omitempty"`

	// Fingerprint is the content hash of the artifact at completion time,
	// re-validated on resume to detect on-disk divergence.
	Fingerprint string `json:"fingerprint,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
}

// SpecStatus is the spec-level aggregate status.
type SpecStatus string

const (
	// SpecRunning means required pre-gate phases are still executing.
	SpecRunning SpecStatus = "running"
	// SpecGated means all pre-gate phases completed and the spec awaits
	// review approval.
	SpecGated SpecStatus = "gated"
	// SpecCompleted means build and QA finished.
	SpecCompleted SpecStatus = "completed"
	// SpecFailed means a required phase exhausted its retry budget.
	SpecFailed SpecStatus = "failed"
)

// Spec is the unit of work driven through the pipeline. One Spec exists per
// human-initiated task and is owned by a single orchestrator run at a time.
type Spec struct {
	ID        string        `json:"id"`
	Task      string        `json:"task"`
	RootDir   string        `json:"root_dir"`
	Phases    []PhaseResult `json:"phases"`
	Current   PhaseKind     `json:"current_phase"`
	Status    SpecStatus    `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Phase returns the result record for a kind, or nil if absent.
func (s *Spec) Phase(kind PhaseKind) *PhaseResult {
	for i := range s.Phases {
		if s.Phases[i].Kind == kind {
			return &s.Phases[i]
		}
	}
	return nil
}

// ReviewState records the human (or auto) approval checkpoint. It is never
// deleted, only superseded by later approve/reject/invalidation actions.
type ReviewState struct {
	Approved           bool       `json:"approved"`
	ApprovedBy         string     `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	Feedback           []string   `json:"feedback,omitempty"`
	ContentFingerprint string     `json:"content_fingerprint,omitempty"`
}

// Provenance records how a task entered the system.
type Provenance string

const (
	ProvenanceIdeation Provenance = "ideation"
	ProvenanceManual   Provenance = "manual"
	ProvenanceImported Provenance = "imported"
	ProvenanceInsights Provenance = "insights"
)

// ChunkStatus is the completion state of one chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is one sub-unit of a task.
type Chunk struct {
	ID     string      `json:"id"`
	Title  string      `json:"title,omitempty"`
	Status ChunkStatus `json:"status"`
}

// Task is owned by the external persistence/UI layer; the orchestrator
// only reads it. Status is deliberately absent: call DeriveStatus.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Provenance  Provenance `json:"provenance"`
	Chunks      []Chunk    `json:"chunks"`
}

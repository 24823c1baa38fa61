package specs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrSpecNotFound indicates the spec directory does not exist.
var ErrSpecNotFound = errors.New("spec not found")

// Per-spec storage layout, rooted at <root>/<spec-id>/:
//
//	spec.json              spec record with phase results
//	plan.md                human-readable plan document
//	tasks.json             chunk graph with statuses
//	review.json            review-state record
//	memory_snapshot.json   capped historical-context snapshot
//	artifacts/<kind>.md    per-phase artifacts
const (
	specFile     = "spec.json"
	planFile     = "plan.md"
	tasksFile    = "tasks.json"
	reviewFile   = "review.json"
	snapshotFile = "memory_snapshot.json"
	artifactsDir = "artifacts"
)

// Store persists specs and their companion records under a root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// SpecDir returns the directory holding one spec's records.
func (s *Store) SpecDir(id string) string {
	return filepath.Join(s.root, id)
}

// CreateSpec allocates a new spec with all phases pending.
func (s *Store) CreateSpec(task, rootDir string) (*Spec, error) {
	now := time.Now().UTC()
	spec := &Spec{
		ID:        uuid.NewString(),
		Task:      task,
		RootDir:   rootDir,
		Current:   PhaseIndex,
		Status:    SpecRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, kind := range AllPhases() {
		spec.Phases = append(spec.Phases, PhaseResult{Kind: kind, Status: PhasePending})
	}

	dir := s.SpecDir(spec.ID)
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spec directory: %w", err)
	}
	if err := s.SaveSpec(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// LoadSpec reads a spec record by ID.
func (s *Store) LoadSpec(id string) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(s.SpecDir(id), specFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, id)
		}
		return nil, fmt.Errorf("failed to read spec %s: %w", id, err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec %s: %w", id, err)
	}
	return &spec, nil
}

// SaveSpec writes the spec record atomically.
func (s *Store) SaveSpec(spec *Spec) error {
	spec.UpdatedAt = time.Now().UTC()
	return s.writeJSON(filepath.Join(s.SpecDir(spec.ID), specFile), spec)
}

// ListSpecs returns the IDs of all stored specs.
func (s *Store) ListSpecs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list specs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), specFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// LoadReview reads the review state. A spec that was never reviewed yields
// a zero-value state, not an error.
func (s *Store) LoadReview(id string) (*ReviewState, error) {
	data, err := os.ReadFile(filepath.Join(s.SpecDir(id), reviewFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &ReviewState{}, nil
		}
		return nil, fmt.Errorf("failed to read review state: %w", err)
	}
	var rs ReviewState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode review state: %w", err)
	}
	return &rs, nil
}

// SaveReview writes the review state atomically.
func (s *Store) SaveReview(id string, rs *ReviewState) error {
	return s.writeJSON(filepath.Join(s.SpecDir(id), reviewFile), rs)
}

// LoadTasks reads the chunk graph.
func (s *Store) LoadTasks(id string) ([]Task, error) {
	data, err := os.ReadFile(filepath.Join(s.SpecDir(id), tasksFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, nil
}

// SaveTasks writes the chunk graph atomically.
func (s *Store) SaveTasks(id string, tasks []Task) error {
	return s.writeJSON(filepath.Join(s.SpecDir(id), tasksFile), tasks)
}

// WritePlan writes the plan document atomically.
func (s *Store) WritePlan(id string, content []byte) error {
	return writeAtomic(filepath.Join(s.SpecDir(id), planFile), content)
}

// ReadPlan reads the plan document. Missing plan reads as empty.
func (s *Store) ReadPlan(id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.SpecDir(id), planFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// WriteArtifact writes a phase artifact in full or not at all, returning
// its path relative to the spec directory.
func (s *Store) WriteArtifact(id string, kind PhaseKind, content []byte) (string, error) {
	rel := filepath.Join(artifactsDir, string(kind)+".md")
	path := filepath.Join(s.SpecDir(id), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	if err := writeAtomic(path, content); err != nil {
		return "", err
	}
	return rel, nil
}

// ReadArtifact reads a phase artifact. Missing artifacts read as empty.
func (s *Store) ReadArtifact(id string, kind PhaseKind) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.SpecDir(id), artifactsDir, string(kind)+".md"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// WriteSnapshot persists the capped historical-context snapshot.
func (s *Store) WriteSnapshot(id string, v any) error {
	return s.writeJSON(filepath.Join(s.SpecDir(id), snapshotFile), v)
}

// ReadSnapshot reads the historical-context snapshot into v. Missing
// snapshots leave v untouched and return false.
func (s *Store) ReadSnapshot(id string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.SpecDir(id), snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return true, nil
}

// ContentFingerprint hashes the current on-disk spec artifact plus plan.
// This is the value the review gate pins an approval to.
func (s *Store) ContentFingerprint(id string) (string, error) {
	specDoc, err := s.ReadArtifact(id, PhaseWriteSpec)
	if err != nil {
		return "", err
	}
	plan, err := s.ReadPlan(id)
	if err != nil {
		return "", err
	}
	return Fingerprint(specDoc, plan), nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// writeAtomic writes content to a temp file in the target directory and
// renames it into place, so readers never observe a partial write.
func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

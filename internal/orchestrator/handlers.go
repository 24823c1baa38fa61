package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/specd/internal/engine"
	"github.com/fyrsmithlabs/specd/internal/indexer"
	"github.com/fyrsmithlabs/specd/internal/memory"
	"github.com/fyrsmithlabs/specd/internal/specs"
)

// IndexHandler produces the project index artifact from the indexing
// collaborator.
type IndexHandler struct {
	Indexer indexer.Indexer
}

func (h *IndexHandler) Kind() specs.PhaseKind { return specs.PhaseIndex }

func (h *IndexHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	summary, err := h.Indexer.Summarize(ctx, pc.Spec.RootDir)
	if err != nil {
		return nil, fmt.Errorf("project indexing failed: %w", err)
	}
	return []byte(summary.Render()), nil
}

// DiscoverHandler explores the task against the indexed project.
type DiscoverHandler struct {
	Runner engine.Runner
}

func (h *DiscoverHandler) Kind() specs.PhaseKind { return specs.PhaseDiscover }

func (h *DiscoverHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	art, err := h.Runner.Run(ctx, engine.Request{
		Phase: specs.PhaseDiscover,
		Prompt: fmt.Sprintf(
			"Analyze how the following change fits this project. Identify affected areas, risks, and open questions.\n\nTask: %s",
			pc.Spec.Task),
		Context: []string{string(pc.Artifacts[specs.PhaseIndex])},
	})
	if err != nil {
		return nil, err
	}
	return art.Content, nil
}

// HistoricalContextHandler fans out memory queries and persists the capped
// snapshot. The phase is optional: a fully degraded result set still
// completes with an explicitly empty artifact.
type HistoricalContextHandler struct {
	Mem         memory.Querier
	TokenBudget int
}

func (h *HistoricalContextHandler) Kind() specs.PhaseKind { return specs.PhaseHistoricalContext }

func (h *HistoricalContextHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	scope := pc.Spec.RootDir
	reqs := map[string]memory.Request{
		"approach": {Scope: scope, Text: "Prior approaches to: " + pc.Spec.Task},
		"pitfalls": {Scope: scope, Text: "Known pitfalls and failed attempts related to: " + pc.Spec.Task},
		"project":  {Scope: scope, Text: "Project conventions and architectural decisions"},
	}
	results := h.Mem.QueryMany(ctx, reqs)

	if err := pc.Store.WriteSnapshot(pc.Spec.ID, results); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("# Historical context\n\n")
	total := 0
	for key, res := range results {
		for _, hint := range res.Hints {
			fmt.Fprintf(&b, "- [%s] %s\n", key, hint.Text)
			total++
		}
	}
	if total == 0 {
		b.WriteString("No historical context available.\n")
	}
	text := b.String()
	if h.TokenBudget > 0 {
		text = h.Mem.Condense(ctx, text, h.TokenBudget)
	}
	return []byte(text), nil
}

// WriteSpecHandler generates the specification, writes the reviewable plan
// document, and seeds the chunk graph the build phase executes.
type WriteSpecHandler struct {
	Runner     engine.Runner
	Provenance specs.Provenance
}

func (h *WriteSpecHandler) Kind() specs.PhaseKind { return specs.PhaseWriteSpec }

func (h *WriteSpecHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	art, err := h.Runner.Run(ctx, engine.Request{
		Phase: specs.PhaseWriteSpec,
		Prompt: fmt.Sprintf(
			"Write an implementation specification for the task below. Break the work into chunks, one per '## ' section.\n\nTask: %s",
			pc.Spec.Task),
		Context: []string{
			string(pc.Artifacts[specs.PhaseDiscover]),
			renderHints(pc.Memory),
		},
	})
	if err != nil {
		return nil, err
	}

	// The plan document is what the reviewer approves; the review
	// fingerprint covers it together with this phase's artifact.
	if err := pc.Store.WritePlan(pc.Spec.ID, art.Content); err != nil {
		return nil, err
	}

	provenance := h.Provenance
	if provenance == "" {
		provenance = specs.ProvenanceIdeation
	}
	task := specs.Task{
		ID:         uuid.NewString(),
		Title:      pc.Spec.Task,
		Provenance: provenance,
		Chunks:     chunksFromPlan(art.Content),
	}
	if err := pc.Store.SaveTasks(pc.Spec.ID, []specs.Task{task}); err != nil {
		return nil, err
	}
	return art.Content, nil
}

// chunksFromPlan derives one chunk per '## ' section, capped at 12. A plan
// without sections yields a single chunk.
func chunksFromPlan(plan []byte) []specs.Chunk {
	var chunks []specs.Chunk
	for _, line := range strings.Split(string(plan), "\n") {
		if strings.HasPrefix(line, "## ") && len(chunks) < 12 {
			chunks = append(chunks, specs.Chunk{
				ID:     uuid.NewString(),
				Title:  strings.TrimSpace(strings.TrimPrefix(line, "## ")),
				Status: specs.ChunkPending,
			})
		}
	}
	if len(chunks) == 0 {
		chunks = append(chunks, specs.Chunk{
			ID:     uuid.NewString(),
			Title:  "Implement plan",
			Status: specs.ChunkPending,
		})
	}
	return chunks
}

// ValidateHandler self-critiques the generated specification.
type ValidateHandler struct {
	Runner engine.Runner
}

func (h *ValidateHandler) Kind() specs.PhaseKind { return specs.PhaseValidate }

func (h *ValidateHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	art, err := h.Runner.Run(ctx, engine.Request{
		Phase: specs.PhaseValidate,
		Prompt: "Critique the following specification for completeness, ambiguity, and testability. " +
			"List concrete findings.",
		Context: []string{string(pc.Artifacts[specs.PhaseWriteSpec])},
	})
	if err != nil {
		return nil, err
	}
	return art.Content, nil
}

// BuildHandler executes the chunk graph. Chunk statuses are persisted
// after every transition so task status derivation always sees current
// state.
type BuildHandler struct {
	Runner engine.Runner
}

func (h *BuildHandler) Kind() specs.PhaseKind { return specs.PhaseBuild }

func (h *BuildHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	tasks, err := pc.Store.LoadTasks(pc.Spec.ID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks to build; write_spec produced no chunk graph")
	}

	var log strings.Builder
	fmt.Fprintf(&log, "# Build log\n\nStarted: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	for ti := range tasks {
		for ci := range tasks[ti].Chunks {
			chunk := &tasks[ti].Chunks[ci]
			if chunk.Status == specs.ChunkCompleted {
				continue
			}
			chunk.Status = specs.ChunkInProgress
			if err := pc.Store.SaveTasks(pc.Spec.ID, tasks); err != nil {
				return nil, err
			}

			art, err := h.Runner.Run(ctx, engine.Request{
				Phase:  specs.PhaseBuild,
				Prompt: fmt.Sprintf("Implement the following chunk of the approved plan.\n\nChunk: %s", chunk.Title),
				Context: []string{
					string(pc.Artifacts[specs.PhaseWriteSpec]),
					string(pc.Artifacts[specs.PhaseValidate]),
				},
			})
			if err != nil {
				chunk.Status = specs.ChunkFailed
				if saveErr := pc.Store.SaveTasks(pc.Spec.ID, tasks); saveErr != nil {
					return nil, saveErr
				}
				return nil, fmt.Errorf("chunk %q failed: %w", chunk.Title, err)
			}

			chunk.Status = specs.ChunkCompleted
			if err := pc.Store.SaveTasks(pc.Spec.ID, tasks); err != nil {
				return nil, err
			}
			fmt.Fprintf(&log, "## %s\n\n%s\n\n", chunk.Title, art.Content)
		}
	}
	return []byte(log.String()), nil
}

// QAHandler reviews the build output against the specification.
type QAHandler struct {
	Runner engine.Runner
}

func (h *QAHandler) Kind() specs.PhaseKind { return specs.PhaseQA }

func (h *QAHandler) Run(ctx context.Context, pc *Context) ([]byte, error) {
	art, err := h.Runner.Run(ctx, engine.Request{
		Phase: specs.PhaseQA,
		Prompt: "Review the build output against the specification. Report defects, gaps, " +
			"and a pass/fail verdict.",
		Context: []string{
			string(pc.Artifacts[specs.PhaseWriteSpec]),
			string(pc.Artifacts[specs.PhaseBuild]),
		},
	})
	if err != nil {
		return nil, err
	}
	return art.Content, nil
}

// renderHints flattens the historical-context bundle for prompt context.
func renderHints(bundle map[string]memory.QueryResult) string {
	if len(bundle) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant prior knowledge:\n")
	for key, res := range bundle {
		for _, hint := range res.Hints {
			fmt.Fprintf(&b, "- (%s) %s\n", key, hint.Text)
		}
	}
	return b.String()
}

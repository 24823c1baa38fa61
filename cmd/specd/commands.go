package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/orchestrator"
	"github.com/fyrsmithlabs/specd/internal/review"
	"github.com/fyrsmithlabs/specd/internal/specs"
)

var (
	createTask        string
	createRoot        string
	createAutoApprove bool
	createProvenance  string

	specID string
)

var createSpecCmd = &cobra.Command{
	Use:   "create-spec",
	Short: "Create a spec and run it up to the review gate",
	Long: `Create a spec for a task and run the pipeline through the review gate:
index, discover, historical-context, write-spec, validate, review-gate.

Exits 0 when the gate is reached (pending review) or the run completes.
With --auto-approve the gate approves non-interactively as "auto" and the
run continues through build and QA.`,
	RunE: runCreateSpec,
}

var runBuildCmd = &cobra.Command{
	Use:   "run-build",
	Short: "Execute build and QA for an approved spec",
	Long: `Execute the build and QA phases of an approved spec.

Requires the review gate decision to be Approved; exits with a distinct
code otherwise, instructing the operator to review first.`,
	RunE: runBuild,
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Interactively review a spec",
	RunE:  runReview,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a spec's phase and review status",
	RunE:  runStatus,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show a spec's tasks with derived statuses",
	RunE:  runTasks,
}

func init() {
	createSpecCmd.Flags().StringVar(&createTask, "task", "", "task description (required)")
	createSpecCmd.Flags().StringVar(&createRoot, "root", ".", "project root directory")
	createSpecCmd.Flags().BoolVar(&createAutoApprove, "auto-approve", false, "approve the spec without interactive review")
	createSpecCmd.Flags().StringVar(&createProvenance, "provenance", string(specs.ProvenanceManual), "task provenance: manual, ideation, imported, insights")
	_ = createSpecCmd.MarkFlagRequired("task")

	for _, cmd := range []*cobra.Command{runBuildCmd, reviewCmd, statusCmd, tasksCmd} {
		cmd.Flags().StringVar(&specID, "spec", "", "spec identifier (required)")
		_ = cmd.MarkFlagRequired("spec")
	}
}

// createSpecOptions maps --auto-approve to run options. Without it the run
// halts at the review gate for a human; with it the approved spec proceeds
// through build and QA in the same invocation.
func createSpecOptions(autoApprove bool) orchestrator.Options {
	if autoApprove {
		return orchestrator.Options{Presenter: review.AutoPresenter{}}
	}
	return orchestrator.Options{StopAfterGate: true}
}

func runCreateSpec(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	root, err := absPath(createRoot)
	if err != nil {
		return err
	}
	orch, err := a.newOrchestrator(cmd.Context(), specs.Provenance(createProvenance))
	if err != nil {
		return err
	}

	spec, err := a.store.CreateSpec(createTask, root)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created spec %s\n", spec.ID)

	spec, err = orch.Run(cmd.Context(), spec.ID, createSpecOptions(createAutoApprove))
	if err != nil {
		var gateErr *orchestrator.GateError
		if errors.As(err, &gateErr) && gateErr.Decision == review.PendingReview {
			// Reaching the gate is success for create-spec.
			fmt.Fprintf(cmd.OutOrStdout(), "spec %s is pending review; run: specd review --spec %s\n", spec.ID, spec.ID)
			return nil
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "spec %s: %s\n", spec.ID, spec.Status)
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	decision, err := a.gate.Evaluate(cmd.Context(), specID)
	if err != nil {
		return err
	}
	if decision != review.Approved {
		return &orchestrator.GateError{Decision: decision}
	}

	orch, err := a.newOrchestrator(cmd.Context(), "")
	if err != nil {
		return err
	}
	spec, err := orch.Run(cmd.Context(), specID, orchestrator.Options{})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "spec %s: %s\n", spec.ID, spec.Status)
	return nil
}

func runReview(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	presenter := &review.TerminalPresenter{
		In:     os.Stdin,
		Out:    cmd.OutOrStdout(),
		Logger: a.logger,
	}
	decision, err := a.gate.Run(cmd.Context(), specID, presenter, a.cfg.Review.WaitTimeout.Duration())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "decision: %s\n", decision)
	if decision == review.Approved {
		fmt.Fprintf(cmd.OutOrStdout(), "run: specd run-build --spec %s\n", specID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	spec, err := a.store.LoadSpec(specID)
	if err != nil {
		return err
	}
	decision, err := a.gate.Evaluate(cmd.Context(), specID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "spec %s (%s)\n", spec.ID, spec.Status)
	fmt.Fprintf(out, "task: %s\n", spec.Task)
	fmt.Fprintf(out, "review: %s\n\n", decision)
	for _, p := range spec.Phases {
		line := fmt.Sprintf("  %-20s %s", p.Kind, p.Status)
		if p.Error != "" {
			line += " (" + p.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runTasks(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	tasks, err := a.store.LoadTasks(specID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks")
		return nil
	}
	for _, task := range tasks {
		fmt.Fprintf(out, "%s  %-14s %s\n", task.ID, specs.DeriveStatus(task), task.Title)
		for _, chunk := range task.Chunks {
			fmt.Fprintf(out, "  %-12s %s\n", chunk.Status, chunk.Title)
		}
	}
	return nil
}

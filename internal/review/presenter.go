package review

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/specs"
)

// Content is what a presenter shows the reviewer.
type Content struct {
	SpecID  string
	SpecDoc []byte
	Plan    []byte

	// PlanPath is watched by interactive presenters for mid-review drift.
	PlanPath string

	// Fingerprint is the content hash at display time. The gate rejects
	// an approval whose displayed fingerprint no longer matches disk.
	Fingerprint string
}

// Verdict is the reviewer's decision plus any feedback entered along the
// way. Feedback is preserved even when the review is interrupted.
type Verdict struct {
	Decision   Decision
	ApprovedBy string
	Feedback   []string
}

// Presenter collects a review decision. Implementations: terminal
// (interactive), auto (non-interactive approval), and room for a future
// remote adapter.
type Presenter interface {
	Present(ctx context.Context, content *Content) (Verdict, error)
}

// AutoPresenter approves without prompting. The persisted ReviewState
// carries approved_by="auto" and the same fingerprint-invalidation
// contract as interactive approval.
type AutoPresenter struct{}

func (AutoPresenter) Present(ctx context.Context, content *Content) (Verdict, error) {
	return Verdict{Decision: Approved, ApprovedBy: "auto"}, nil
}

// TerminalPresenter prompts for approve/edit/reject/feedback on a
// terminal. Edit opens the plan document in the reviewer's editor and
// refreshes the displayed fingerprint from the edited content. A fsnotify
// watcher on the plan document warns the reviewer when content changes
// underneath the review; the stale approval is then refused by the gate's
// fingerprint check.
type TerminalPresenter struct {
	In         io.Reader
	Out        io.Writer
	ApprovedBy string
	Logger     *zap.Logger

	// Editor overrides $EDITOR for the edit action.
	Editor string
}

func (p *TerminalPresenter) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *TerminalPresenter) Present(ctx context.Context, content *Content) (Verdict, error) {
	verdict := Verdict{Decision: PendingReview, ApprovedBy: p.ApprovedBy}

	fmt.Fprintf(p.Out, "Reviewing spec %s\n\n", content.SpecID)
	if len(content.SpecDoc) > 0 {
		fmt.Fprintf(p.Out, "--- specification ---\n%s\n", content.SpecDoc)
	}
	if len(content.Plan) > 0 {
		fmt.Fprintf(p.Out, "--- plan ---\n%s\n", content.Plan)
	}

	drift := p.watchDrift(ctx, content.PlanPath)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(p.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(p.Out, "[a]pprove / [e]dit / [r]eject / [f]eedback> ")
		select {
		case <-ctx.Done():
			// Interrupted review: feedback survives, approval does not.
			return verdict, ctx.Err()
		case <-drift:
			fmt.Fprintln(p.Out, "\nwarning: plan changed on disk during review; approval will require re-review")
		case err := <-readErr:
			if err != nil {
				return verdict, err
			}
			return verdict, io.ErrUnexpectedEOF
		case line := <-lines:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "a", "approve":
				verdict.Decision = Approved
				return verdict, nil
			case "e", "edit":
				if err := p.editPlan(ctx, content); err != nil {
					fmt.Fprintf(p.Out, "edit failed: %v\n", err)
					continue
				}
				// The edit is our own write; drop the drift notification it
				// triggered so the reviewer is not warned about it.
				select {
				case <-drift:
				default:
				}
				fmt.Fprintf(p.Out, "--- plan (edited) ---\n%s\n", content.Plan)
				fmt.Fprintln(p.Out, "fingerprint refreshed; approval will cover the edited plan")
			case "r", "reject":
				fmt.Fprint(p.Out, "reason> ")
				select {
				case reason := <-lines:
					if reason = strings.TrimSpace(reason); reason != "" {
						verdict.Feedback = append(verdict.Feedback, reason)
					}
				case <-ctx.Done():
					return verdict, ctx.Err()
				}
				verdict.Decision = Rejected
				return verdict, nil
			case "f", "feedback":
				fmt.Fprint(p.Out, "feedback> ")
				select {
				case note := <-lines:
					if note = strings.TrimSpace(note); note != "" {
						verdict.Feedback = append(verdict.Feedback, note)
					}
				case <-ctx.Done():
					return verdict, ctx.Err()
				}
			case "":
				// Re-prompt.
			default:
				fmt.Fprintf(p.Out, "unknown input %q\n", line)
			}
		}
	}
}

// editPlan opens the plan document in the reviewer's editor, then reloads
// it and recomputes the displayed fingerprint so a following approval pins
// to the edited content instead of failing as stale.
func (p *TerminalPresenter) editPlan(ctx context.Context, content *Content) error {
	if content.PlanPath == "" {
		return errors.New("no plan document to edit")
	}
	editor := p.Editor
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; edit %s directly", content.PlanPath)
	}

	cmd := exec.CommandContext(ctx, editor, content.PlanPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	plan, err := os.ReadFile(content.PlanPath)
	if err != nil {
		return fmt.Errorf("failed to reload edited plan: %w", err)
	}
	content.Plan = plan
	content.Fingerprint = specs.Fingerprint(content.SpecDoc, plan)
	return nil
}

// watchDrift returns a channel that receives at most one notification when
// the plan file changes. Watch setup failures are logged and ignored; the
// fingerprint check remains the authoritative staleness guard.
func (p *TerminalPresenter) watchDrift(ctx context.Context, planPath string) <-chan struct{} {
	drift := make(chan struct{}, 1)
	if planPath == "" {
		return drift
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger().Warn("drift watcher unavailable", zap.Error(err))
		return drift
	}
	if err := watcher.Add(planPath); err != nil {
		p.logger().Warn("cannot watch plan for drift", zap.Error(err))
		watcher.Close()
		return drift
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
					select {
					case drift <- struct{}{}:
					default:
					}
					return
				}
			case <-watcher.Errors:
				return
			}
		}
	}()
	return drift
}

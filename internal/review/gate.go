// Package review enforces the mandatory human checkpoint between plan
// generation and build execution.
//
// An approval is pinned to a fingerprint of the spec and plan content at
// approval time. Any later divergence of the on-disk content invalidates
// the approval and forces re-review; the gate never auto-resolves
// staleness.
package review

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/specs"
)

// Decision is the gate's verdict for a spec.
type Decision string

const (
	Approved      Decision = "approved"
	PendingReview Decision = "pending_review"
	Rejected      Decision = "rejected"
)

// StaleContentError indicates the spec or plan changed between the time it
// was displayed for review and the time the decision was confirmed.
type StaleContentError struct {
	Presented string
	Current   string
}

func (e *StaleContentError) Error() string {
	return "content changed since it was presented for review; re-review required"
}

// IsStale reports whether err is a StaleContentError.
func IsStale(err error) bool {
	var stale *StaleContentError
	return errors.As(err, &stale)
}

// Gate evaluates and records review decisions. The decision-collection
// mechanism lives behind Presenter; the gate's logic does not depend on
// how the decision was obtained.
type Gate struct {
	store  *specs.Store
	logger *zap.Logger
}

// NewGate creates a review gate over the given store.
func NewGate(store *specs.Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, logger: logger.Named("review")}
}

// Evaluate returns the current decision for a spec.
//
// Approved requires both a persisted approval and a fingerprint match
// against the current on-disk content. A stale approval is superseded in
// place (approved flips to false, feedback is kept) so the next evaluation
// reflects reality without re-reading history.
func (g *Gate) Evaluate(ctx context.Context, specID string) (Decision, error) {
	rs, err := g.store.LoadReview(specID)
	if err != nil {
		return PendingReview, err
	}
	if rs.ContentFingerprint == "" {
		return PendingReview, nil
	}

	current, err := g.store.ContentFingerprint(specID)
	if err != nil {
		return PendingReview, err
	}

	if rs.ContentFingerprint != current {
		if rs.Approved {
			g.logger.Warn("approval invalidated by content drift",
				zap.String("spec_id", specID))
			rs.Approved = false
			rs.ApprovedBy = ""
			rs.ApprovedAt = nil
			rs.ContentFingerprint = ""
			if err := g.store.SaveReview(specID, rs); err != nil {
				return PendingReview, err
			}
		}
		return PendingReview, nil
	}

	if rs.Approved {
		return Approved, nil
	}
	return Rejected, nil
}

// Approve records approval pinned to the current content fingerprint.
//
// presentedFingerprint is the fingerprint captured when the content was
// shown to the reviewer; if the content has changed since, the approval
// fails with *StaleContentError and nothing is persisted. Approving twice
// with unchanged content is idempotent: no duplicate feedback, unchanged
// fingerprint.
func (g *Gate) Approve(ctx context.Context, specID, presentedFingerprint, approvedBy string, feedback []string) error {
	current, err := g.store.ContentFingerprint(specID)
	if err != nil {
		return err
	}
	if presentedFingerprint != "" && presentedFingerprint != current {
		return &StaleContentError{Presented: presentedFingerprint, Current: current}
	}

	rs, err := g.store.LoadReview(specID)
	if err != nil {
		return err
	}
	if rs.Approved && rs.ContentFingerprint == current {
		return nil
	}

	if approvedBy == "" {
		approvedBy = "human"
	}
	now := time.Now().UTC()
	rs.Approved = true
	rs.ApprovedBy = approvedBy
	rs.ApprovedAt = &now
	rs.ContentFingerprint = current
	rs.Feedback = append(rs.Feedback, feedback...)

	if err := g.store.SaveReview(specID, rs); err != nil {
		return fmt.Errorf("failed to persist approval: %w", err)
	}
	g.logger.Info("spec approved",
		zap.String("spec_id", specID),
		zap.String("approved_by", approvedBy))
	return nil
}

// Reject records rejection with the reviewer's feedback. Prior artifacts
// are never deleted.
func (g *Gate) Reject(ctx context.Context, specID string, feedback []string) error {
	current, err := g.store.ContentFingerprint(specID)
	if err != nil {
		return err
	}
	rs, err := g.store.LoadReview(specID)
	if err != nil {
		return err
	}
	rs.Approved = false
	rs.ApprovedBy = ""
	rs.ApprovedAt = nil
	rs.ContentFingerprint = current
	rs.Feedback = append(rs.Feedback, feedback...)

	if err := g.store.SaveReview(specID, rs); err != nil {
		return fmt.Errorf("failed to persist rejection: %w", err)
	}
	g.logger.Info("spec rejected", zap.String("spec_id", specID))
	return nil
}

// SaveFeedback persists feedback without changing the decision. Used when
// a review is interrupted: entered feedback survives, approval does not.
func (g *Gate) SaveFeedback(ctx context.Context, specID string, feedback []string) error {
	if len(feedback) == 0 {
		return nil
	}
	rs, err := g.store.LoadReview(specID)
	if err != nil {
		return err
	}
	rs.Feedback = append(rs.Feedback, feedback...)
	return g.store.SaveReview(specID, rs)
}

// Run collects a decision through the presenter and applies it.
//
// waitTimeout bounds the human-review wait; zero means wait indefinitely.
// Interruption (context cancellation or presenter error) persists any
// entered feedback, never approves, and reports PendingReview.
func (g *Gate) Run(ctx context.Context, specID string, presenter Presenter, waitTimeout time.Duration) (Decision, error) {
	content, err := g.loadContent(specID)
	if err != nil {
		return PendingReview, err
	}

	if waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitTimeout)
		defer cancel()
	}

	verdict, err := presenter.Present(ctx, content)
	if err != nil {
		if saveErr := g.SaveFeedback(context.WithoutCancel(ctx), specID, verdict.Feedback); saveErr != nil {
			g.logger.Warn("failed to persist feedback after interrupted review",
				zap.String("spec_id", specID), zap.Error(saveErr))
		}
		return PendingReview, fmt.Errorf("review interrupted: %w", err)
	}

	switch verdict.Decision {
	case Approved:
		if err := g.Approve(ctx, specID, content.Fingerprint, verdict.ApprovedBy, verdict.Feedback); err != nil {
			return PendingReview, err
		}
		return Approved, nil
	case Rejected:
		if err := g.Reject(ctx, specID, verdict.Feedback); err != nil {
			return PendingReview, err
		}
		return Rejected, nil
	default:
		if err := g.SaveFeedback(ctx, specID, verdict.Feedback); err != nil {
			return PendingReview, err
		}
		return PendingReview, nil
	}
}

func (g *Gate) loadContent(specID string) (*Content, error) {
	specDoc, err := g.store.ReadArtifact(specID, specs.PhaseWriteSpec)
	if err != nil {
		return nil, err
	}
	plan, err := g.store.ReadPlan(specID)
	if err != nil {
		return nil, err
	}
	fp, err := g.store.ContentFingerprint(specID)
	if err != nil {
		return nil, err
	}
	return &Content{
		SpecID:      specID,
		SpecDoc:     specDoc,
		Plan:        plan,
		PlanPath:    filepath.Join(g.store.SpecDir(specID), "plan.md"),
		Fingerprint: fp,
	}, nil
}

// Package decision applies human review decisions to findings and claims
// through the workflow state machine. A decision that loses an optimistic
// check is retried a bounded number of times by re-reading and re-applying;
// a decision that is illegal for the current state surfaces immediately.
package decision

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	crperrors "github.com/veritashealth/crp-app/crp/errors"
	"github.com/veritashealth/crp-app/crp/models"
	"github.com/veritashealth/crp-app/crp/workflow"
	"github.com/veritashealth/crp-app/log"
)

const maxRetries = 3

type Recorder struct {
	repo   models.Repository
	sm     *workflow.StateMachine
	logger logrus.FieldLogger
}

func NewRecorder(repo models.Repository, sm *workflow.StateMachine) *Recorder {
	return &Recorder{repo: repo, sm: sm, logger: log.Audit}
}

// Record applies one decision. APPROVE_ONE, MODIFY and REASSIGN act on a
// single finding; APPROVE_ALL and REJECT_ALL act on every pending finding of
// the claim.
func (rec *Recorder) Record(ctx context.Context, d models.Decision) error {
	switch d.Action {
	case models.ActionApproveOne:
		return rec.applyWithRetry(ctx, d.FindingID, models.FindingStatusApproved, d)
	case models.ActionModify:
		return rec.applyWithRetry(ctx, d.FindingID, models.FindingStatusModified, d)
	case models.ActionReassign:
		return rec.escalateWithRetry(ctx, d)
	case models.ActionApproveAll:
		return rec.applyAll(ctx, d, models.FindingStatusApproved)
	case models.ActionRejectAll:
		return rec.applyAll(ctx, d, models.FindingStatusRejected)
	default:
		return errors.Errorf("unsupported decision action %s", d.Action)
	}
}

func (rec *Recorder) applyAll(ctx context.Context, d models.Decision, to models.FindingStatus) error {
	if d.ClaimID == "" {
		return errors.New("claim id required for a claim-wide decision")
	}

	findings, err := rec.repo.GetFindingsByClaimID(ctx, d.ClaimID)
	if err != nil {
		return err
	}

	for _, f := range findings {
		if f.Status != models.FindingStatusPending {
			continue
		}
		scoped := d
		scoped.FindingID = f.ID
		if err := rec.applyWithRetry(ctx, f.ID, to, scoped); err != nil {
			return err
		}
	}
	return nil
}

// applyWithRetry resolves one finding, retrying on ConcurrentModification
// with a fresh read each attempt. Workflow violations are permanent.
func (rec *Recorder) applyWithRetry(ctx context.Context, findingID string, to models.FindingStatus, d models.Decision) error {
	operation := func() error {
		err := rec.apply(ctx, findingID, to, d)
		if err == nil {
			return nil
		}
		var cm *crperrors.ConcurrentModification
		if goerrors.As(err, &cm) {
			rec.logger.WithFields(logrus.Fields{"finding": findingID}).
				Warn("optimistic check lost, retrying decision")
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx))
}

func (rec *Recorder) apply(ctx context.Context, findingID string, to models.FindingStatus, d models.Decision) error {
	finding, err := rec.repo.GetFindingByID(ctx, findingID)
	if err != nil {
		return err
	}

	if err := rec.sm.ResolveFinding(ctx, finding, to, d.ActorID, d.OverrideAmount, d.OverrideCode); err != nil {
		return err
	}

	if finding.Kind == models.FindingKindReturn {
		return rec.settleReturn(ctx, finding, to, d)
	}
	return rec.settleDeduction(ctx, finding, d)
}

// settleReturn finalizes the claim once its return finding resolves: a
// confirmed return rejects the whole claim, an overturned one re-opens it for
// per-line evaluation.
func (rec *Recorder) settleReturn(ctx context.Context, finding *models.Finding, to models.FindingStatus, d models.Decision) error {
	claim, err := rec.repo.GetClaimByID(ctx, finding.ClaimID)
	if err != nil {
		return err
	}

	d.FindingID = finding.ID
	if to == models.FindingStatusRejected {
		return rec.sm.RejectReturn(ctx, claim, finding, d)
	}
	return rec.sm.ReturnClaim(ctx, claim, finding, d)
}

// settleDeduction keeps assignment and claim bookkeeping in step with the
// resolved finding: the open assignment item is marked resolved, a drained
// assignment completes, and the claim advances when all findings are settled.
func (rec *Recorder) settleDeduction(ctx context.Context, finding *models.Finding, d models.Decision) error {
	assignmentID, err := rec.resolveAssignmentItem(ctx, finding, d)
	if err != nil {
		return err
	}

	claim, err := rec.repo.GetClaimByID(ctx, finding.ClaimID)
	if err != nil {
		return err
	}

	if claim.Status == models.ClaimStatusAssigned {
		if err := rec.sm.TransitionClaim(ctx, claim, models.ClaimStatusUnderReview, d.ActorID, nil); err != nil {
			return err
		}
	}

	findings, err := rec.repo.GetFindingsByClaimID(ctx, claim.ID)
	if err != nil {
		return err
	}
	for _, f := range findings {
		if !f.Status.Terminal() {
			return nil
		}
	}

	// A claim can also drain from DEDUCTION_PENDING when its last finding was
	// decided without an assignment link, e.g. after a withdraw.
	if claim.Status == models.ClaimStatusUnderReview || claim.Status == models.ClaimStatusDeductionPending {
		payload := map[string]interface{}{"assignment_id": assignmentID}
		return rec.sm.TransitionClaim(ctx, claim, models.ClaimStatusResolved, d.ActorID, payload)
	}
	return nil
}

func (rec *Recorder) resolveAssignmentItem(ctx context.Context, finding *models.Finding, d models.Decision) (string, error) {
	assignment, err := rec.repo.GetOpenAssignmentByFindingID(ctx, finding.ID)
	if err != nil {
		return "", err
	}
	if assignment == nil {
		// A finding can be decided without ever having been assigned, e.g.
		// after a withdraw.
		return "", nil
	}

	if err := rec.repo.MarkAssignmentItemResolved(ctx, assignment.ID, finding.ID); err != nil {
		return assignment.ID, err
	}

	open, err := rec.repo.OpenItemCount(ctx, assignment.ID)
	if err != nil {
		return assignment.ID, err
	}
	if open > 0 {
		return assignment.ID, nil
	}

	err = rec.repo.UpdateAssignmentStatus(ctx, assignment.ID, models.AssignmentStatusOpen, models.AssignmentStatusCompleted)
	if err != nil && !goerrors.Is(err, models.ErrAssignmentNotUpdated) {
		return assignment.ID, err
	}

	payload, _ := json.Marshal(map[string]interface{}{"assignment_id": assignment.ID, "reviewer_id": assignment.ReviewerID})
	event := models.TraceEvent{
		ClaimID:   finding.ClaimID,
		Kind:      models.EventAssignmentCompleted,
		Actor:     d.ActorID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	return assignment.ID, rec.repo.CreateTraceEvent(ctx, event)
}

func (rec *Recorder) escalateWithRetry(ctx context.Context, d models.Decision) error {
	operation := func() error {
		finding, err := rec.repo.GetFindingByID(ctx, d.FindingID)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = rec.sm.EscalateFinding(ctx, finding, d.ActorID)
		if err == nil {
			return nil
		}
		var cm *crperrors.ConcurrentModification
		if goerrors.As(err, &cm) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx))
}

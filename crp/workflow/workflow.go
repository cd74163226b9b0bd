// Package workflow owns the claim and finding lifecycles. A transition is
// legal only when the transition table and the operation's precondition both
// allow it; a legal transition performs a version-checked update and appends
// exactly one trace event inside a single transaction. Losing an optimistic
// check surfaces as ConcurrentModification and mutates nothing.
package workflow

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"time"

	"github.com/sirupsen/logrus"

	crperrors "github.com/veritashealth/crp-app/crp/errors"
	"github.com/veritashealth/crp-app/crp/models"
	"github.com/veritashealth/crp-app/log"
)

var claimTransitions = map[models.ClaimStatus][]models.ClaimStatus{
	models.ClaimStatusIntake:           {models.ClaimStatusValidated},
	models.ClaimStatusValidated:        {models.ClaimStatusReturnPending, models.ClaimStatusDeductionPending},
	models.ClaimStatusReturnPending:    {models.ClaimStatusReturned, models.ClaimStatusReturnRejected},
	models.ClaimStatusReturnRejected:   {models.ClaimStatusDeductionPending},
	models.ClaimStatusDeductionPending: {models.ClaimStatusAssigned, models.ClaimStatusResolved},
	models.ClaimStatusAssigned:         {models.ClaimStatusUnderReview, models.ClaimStatusDeductionPending},
	models.ClaimStatusUnderReview:      {models.ClaimStatusResolved, models.ClaimStatusDeductionPending},
	models.ClaimStatusReturned:         {models.ClaimStatusClosed},
	models.ClaimStatusResolved:         {models.ClaimStatusClosed},
}

// ClaimTransitionLegal reports whether the transition table allows from -> to.
func ClaimTransitionLegal(from, to models.ClaimStatus) bool {
	for _, next := range claimTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type StateMachine struct {
	repo   models.Repository
	logger logrus.FieldLogger
}

func New(repo models.Repository) *StateMachine {
	return &StateMachine{repo: repo, logger: log.Workflow}
}

// TransitionClaim moves a claim to the target status. On success the in-memory
// claim is updated to match the store; on ConcurrentModification the caller
// must re-read and retry.
func (m *StateMachine) TransitionClaim(ctx context.Context, claim *models.Claim, to models.ClaimStatus, actor string, payload interface{}) error {
	if !ClaimTransitionLegal(claim.Status, to) {
		return &crperrors.WorkflowViolation{
			Entity: "claim", ID: claim.ID,
			From: string(claim.Status), To: string(to),
		}
	}

	from := claim.Status
	event := models.TraceEvent{
		ClaimID:   claim.ID,
		Kind:      models.EventClaimTransitioned,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   marshalPayload(m.logger, payloadWithTransition(payload, from, to)),
	}

	err := m.repo.InTx(ctx, func(r models.Repository) error {
		if err := r.UpdateClaimStatusCheckVersion(ctx, claim.ID, from, to, claim.Version); err != nil {
			if goerrors.Is(err, models.ErrClaimNotUpdated) {
				return &crperrors.ConcurrentModification{Entity: "claim", ID: claim.ID}
			}
			return err
		}
		return r.CreateTraceEvent(ctx, event)
	})
	if err != nil {
		return err
	}

	claim.Status = to
	claim.Version++
	m.logger.WithFields(logrus.Fields{"claim": claim.ID, "from": from, "to": to, "actor": actor}).
		Info("claim transitioned")
	return nil
}

// ReturnClaim finalizes a RETURN_PENDING claim as RETURNED. The decision must
// reference the claim's return finding; anything else is a WorkflowViolation.
func (m *StateMachine) ReturnClaim(ctx context.Context, claim *models.Claim, finding *models.Finding, decision models.Decision) error {
	if err := m.checkReturnDecision(claim, finding, decision); err != nil {
		return err
	}
	return m.TransitionClaim(ctx, claim, models.ClaimStatusReturned, decision.ActorID, map[string]interface{}{
		"rule_code":     finding.RuleCode,
		"finding_id":    finding.ID,
		"justification": decision.Justification,
	})
}

// RejectReturn overturns a return finding: the claim moves to RETURN_REJECTED
// and becomes eligible for per-line evaluation.
func (m *StateMachine) RejectReturn(ctx context.Context, claim *models.Claim, finding *models.Finding, decision models.Decision) error {
	if err := m.checkReturnDecision(claim, finding, decision); err != nil {
		return err
	}
	return m.TransitionClaim(ctx, claim, models.ClaimStatusReturnRejected, decision.ActorID, map[string]interface{}{
		"rule_code":     finding.RuleCode,
		"finding_id":    finding.ID,
		"justification": decision.Justification,
	})
}

func (m *StateMachine) checkReturnDecision(claim *models.Claim, finding *models.Finding, decision models.Decision) error {
	if claim.Status != models.ClaimStatusReturnPending {
		return &crperrors.WorkflowViolation{
			Entity: "claim", ID: claim.ID,
			From: string(claim.Status), To: string(models.ClaimStatusReturned),
		}
	}
	if finding == nil || finding.Kind != models.FindingKindReturn || finding.ClaimID != claim.ID {
		return &crperrors.WorkflowViolation{
			Entity: "claim", ID: claim.ID,
			From: string(claim.Status), To: string(models.ClaimStatusReturned),
			Msg: "decision does not reference the claim's return finding",
		}
	}
	if decision.FindingID != finding.ID {
		return &crperrors.WorkflowViolation{
			Entity: "claim", ID: claim.ID,
			From: string(claim.Status), To: string(models.ClaimStatusReturned),
			Msg: "decision references a different finding",
		}
	}
	return nil
}

// ResolveFinding moves a pending finding to a terminal status. MODIFIED
// requires a final amount; the final code is optional.
func (m *StateMachine) ResolveFinding(ctx context.Context, finding *models.Finding, to models.FindingStatus, actor string, finalAmount *float64, finalCode string) error {
	if finding.Status != models.FindingStatusPending {
		return &crperrors.WorkflowViolation{
			Entity: "finding", ID: finding.ID,
			From: string(finding.Status), To: string(to),
		}
	}
	if !to.Terminal() {
		return &crperrors.WorkflowViolation{
			Entity: "finding", ID: finding.ID,
			From: string(finding.Status), To: string(to),
			Msg: "not a resolution status",
		}
	}
	if to == models.FindingStatusModified && finalAmount == nil {
		return &crperrors.WorkflowViolation{
			Entity: "finding", ID: finding.ID,
			From: string(finding.Status), To: string(to),
			Msg: "modification requires an override amount",
		}
	}

	updated := *finding
	updated.Status = to
	updated.ResolverID = actor
	if finalAmount != nil {
		updated.FinalAmount = *finalAmount
	} else if to == models.FindingStatusApproved {
		updated.FinalAmount = finding.SuggestedAmount
	}
	if finalCode != "" {
		updated.FinalCode = finalCode
	}

	event := models.TraceEvent{
		ClaimID:   finding.ClaimID,
		Kind:      models.EventFindingResolved,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload: marshalPayload(m.logger, map[string]interface{}{
			"finding_id":   finding.ID,
			"rule_code":    finding.RuleCode,
			"status":       to,
			"final_amount": updated.FinalAmount,
		}),
	}

	err := m.repo.InTx(ctx, func(r models.Repository) error {
		if err := r.UpdateFindingCheckVersion(ctx, updated); err != nil {
			if goerrors.Is(err, models.ErrFindingNotUpdated) {
				return &crperrors.ConcurrentModification{Entity: "finding", ID: finding.ID}
			}
			return err
		}
		return r.CreateTraceEvent(ctx, event)
	})
	if err != nil {
		return err
	}

	*finding = updated
	finding.Version++
	return nil
}

// EscalateFinding rebinds a clinical-category finding, initially handled by
// the administrative role, to the clinical role. The finding immediately
// re-enters the pending pool, so its stored status stays PENDING.
func (m *StateMachine) EscalateFinding(ctx context.Context, finding *models.Finding, actor string) error {
	if finding.Status != models.FindingStatusPending {
		return &crperrors.WorkflowViolation{
			Entity: "finding", ID: finding.ID,
			From: string(finding.Status), To: string(models.FindingStatusEscalated),
		}
	}
	if finding.Category != "clinical_quality" || finding.RequiredRole != models.RoleAdministrative {
		return &crperrors.WorkflowViolation{
			Entity: "finding", ID: finding.ID,
			From: string(finding.Status), To: string(models.FindingStatusEscalated),
			Msg: "escalation is only legal for clinical-category findings handled administratively",
		}
	}

	updated := *finding
	updated.RequiredRole = models.RoleClinical

	event := models.TraceEvent{
		ClaimID:   finding.ClaimID,
		Kind:      models.EventFindingEscalated,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload: marshalPayload(m.logger, map[string]interface{}{
			"finding_id": finding.ID,
			"rule_code":  finding.RuleCode,
		}),
	}

	err := m.repo.InTx(ctx, func(r models.Repository) error {
		if err := r.UpdateFindingCheckVersion(ctx, updated); err != nil {
			if goerrors.Is(err, models.ErrFindingNotUpdated) {
				return &crperrors.ConcurrentModification{Entity: "finding", ID: finding.ID}
			}
			return err
		}
		return r.CreateTraceEvent(ctx, event)
	})
	if err != nil {
		return err
	}

	*finding = updated
	finding.Version++
	return nil
}

func payloadWithTransition(payload interface{}, from, to models.ClaimStatus) map[string]interface{} {
	merged := map[string]interface{}{"from": from, "to": to}
	if extra, ok := payload.(map[string]interface{}); ok {
		for k, v := range extra {
			merged[k] = v
		}
	} else if payload != nil {
		merged["detail"] = payload
	}
	return merged
}

func marshalPayload(logger logrus.FieldLogger, payload interface{}) json.RawMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warnf("could not marshal trace payload: %s", err.Error())
		return json.RawMessage(`{}`)
	}
	return data
}

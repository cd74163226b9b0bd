// Package service orchestrates the review pipeline: classification, rule
// evaluation, workflow transitions, distribution and decision recording.
// Repositories and external fact resolution are injected; the only
// process-wide state is the immutable rule catalog.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/veritashealth/crp-app/crp/assignment"
	"github.com/veritashealth/crp-app/crp/catalog"
	"github.com/veritashealth/crp-app/crp/classification"
	"github.com/veritashealth/crp-app/crp/decision"
	"github.com/veritashealth/crp-app/crp/engine"
	crperrors "github.com/veritashealth/crp-app/crp/errors"
	"github.com/veritashealth/crp-app/crp/models"
	"github.com/veritashealth/crp-app/crp/workflow"
	"github.com/veritashealth/crp-app/log"
)

// ReferenceResolver supplies the externally-owned facts rule predicates need
// (provider network, beneficiary coverage, tariff and agreement tables,
// authorization registry, clinical review flags). Facts a resolver cannot
// supply stay nil and the affected rules are skipped with a ValidationGap.
type ReferenceResolver interface {
	Resolve(ctx context.Context, claim models.Claim, lines []*models.ServiceLine) (engine.Reference, error)
}

// Ensure service satisfies the interface
var _ Service = &service{}

// Service contains the operations the review pipeline exposes to its
// collaborators (intake, the human-review surface, the reconciliation pass).
type Service interface {
	// ProcessClaim takes a VALIDATED claim through classification and rule
	// evaluation into RETURN_PENDING, DEDUCTION_PENDING or RESOLVED.
	ProcessClaim(ctx context.Context, claimID string) (*models.Claim, error)

	// DistributePending routes every unassigned pending finding to a
	// reviewer.
	DistributePending(ctx context.Context) (assignment.Result, error)

	// DistributeClaimAudits routes whole claims selected by the compliance
	// collaborator to reviewers (audit-only path).
	DistributeClaimAudits(ctx context.Context, claimIDs []string) (assignment.Result, error)

	// RecordDecision applies a human decision and advances the affected
	// claim and assignments.
	RecordDecision(ctx context.Context, d models.Decision) error

	// ReconcileDeadlines expires past-due assignments and redistributes
	// their items. Invoked by an external periodic pass.
	ReconcileDeadlines(ctx context.Context) (int, assignment.Result, error)

	// WithdrawItem removes a pending finding from active distribution,
	// releasing its reviewer's load.
	WithdrawItem(ctx context.Context, findingID, actor string) error
}

type service struct {
	repo     models.Repository
	resolver ReferenceResolver

	catalog  *catalog.Catalog
	eng      *engine.Engine
	sm       *workflow.StateMachine
	assigner *assignment.Engine
	recorder *decision.Recorder

	cfg    Config
	logger logrus.FieldLogger
}

func NewService(repo models.Repository, resolver ReferenceResolver, cfg Config) (Service, error) {
	c, err := catalog.Load(cfg.CatalogVersion)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load rule catalog")
	}

	sm := workflow.New(repo)
	return &service{
		repo:     repo,
		resolver: resolver,
		catalog:  c,
		eng:      engine.New(c, cfg.LegalWindowBusinessDays),
		sm:       sm,
		assigner: assignment.New(repo, cfg.Assignment),
		recorder: decision.NewRecorder(repo, sm),
		cfg:      cfg,
		logger:   log.Audit,
	}, nil
}

func (s *service) ProcessClaim(ctx context.Context, claimID string) (*models.Claim, error) {
	claim, err := s.repo.GetClaimByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status != models.ClaimStatusValidated {
		return nil, &crperrors.WorkflowViolation{
			Entity: "claim", ID: claim.ID,
			From: string(claim.Status), To: string(models.ClaimStatusDeductionPending),
			Msg: "only validated claims can be processed",
		}
	}

	if err := s.classify(ctx, claim); err != nil {
		return nil, err
	}

	snap, err := s.snapshot(ctx, *claim)
	if err != nil {
		return nil, err
	}

	findings, gaps := s.eng.Evaluate(snap)
	if err := s.traceGaps(ctx, claim.ID, gaps); err != nil {
		return nil, err
	}

	if len(findings) == 1 && findings[0].Kind == models.FindingKindReturn {
		if err := s.createFindings(ctx, findings); err != nil {
			return nil, err
		}
		payload := map[string]interface{}{"rule_code": findings[0].RuleCode}
		return claim, s.sm.TransitionClaim(ctx, claim, models.ClaimStatusReturnPending, "rule-engine", payload)
	}

	return claim, s.settleDeductions(ctx, claim, findings)
}

// settleDeductions moves the claim into the deduction path and, when the
// evaluation produced nothing to review, straight on to RESOLVED.
func (s *service) settleDeductions(ctx context.Context, claim *models.Claim, findings []models.Finding) error {
	if err := s.createFindings(ctx, findings); err != nil {
		return err
	}

	payload := map[string]interface{}{"finding_count": len(findings)}
	if err := s.sm.TransitionClaim(ctx, claim, models.ClaimStatusDeductionPending, "rule-engine", payload); err != nil {
		return err
	}

	if len(findings) == 0 {
		return s.sm.TransitionClaim(ctx, claim, models.ClaimStatusResolved, "rule-engine",
			map[string]interface{}{"reason": "no findings"})
	}
	return nil
}

func (s *service) classify(ctx context.Context, claim *models.Claim) error {
	summary, err := s.repo.GetServiceSummary(ctx, claim.ID)
	if err != nil {
		return err
	}

	result := classification.Classify(*claim, summary, s.cfg.Classification)
	claim.ServiceCategory = result.ServiceCategory
	claim.ComplexityTier = result.ComplexityTier
	claim.PriorityTier = result.PriorityTier

	if err := s.repo.UpdateClaimClassification(ctx, *claim); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"service_category": result.ServiceCategory,
		"complexity_tier":  result.ComplexityTier,
		"priority_tier":    result.PriorityTier,
	})
	return s.repo.CreateTraceEvent(ctx, models.TraceEvent{
		ClaimID:   claim.ID,
		Kind:      models.EventClaimClassified,
		Actor:     "classification-engine",
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (s *service) snapshot(ctx context.Context, claim models.Claim) (engine.Snapshot, error) {
	linePtrs, err := s.repo.GetServiceLines(ctx, claim.ID)
	if err != nil {
		return engine.Snapshot{}, err
	}

	ref, err := s.resolver.Resolve(ctx, claim, linePtrs)
	if err != nil {
		return engine.Snapshot{}, err
	}

	if ref.DuplicateOfClaimID == nil {
		dup, err := s.repo.GetDuplicateClaimID(ctx, claim)
		if err != nil {
			return engine.Snapshot{}, err
		}
		ref.DuplicateOfClaimID = &dup
	}

	lines := make([]models.ServiceLine, len(linePtrs))
	for i, l := range linePtrs {
		lines[i] = *l
	}

	return engine.Snapshot{Claim: claim, Lines: lines, Reference: ref}, nil
}

func (s *service) createFindings(ctx context.Context, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for i := range findings {
		findings[i].ID = uuid.NewRandom().String()
		findings[i].CreatedAt = now
	}
	if err := s.repo.CreateFindings(ctx, findings...); err != nil {
		return err
	}

	for _, f := range findings {
		payload, _ := json.Marshal(map[string]interface{}{
			"finding_id":       f.ID,
			"rule_code":        f.RuleCode,
			"kind":             f.Kind,
			"suggested_amount": f.SuggestedAmount,
		})
		event := models.TraceEvent{
			ClaimID:   f.ClaimID,
			Kind:      models.EventFindingCreated,
			Actor:     "rule-engine",
			Timestamp: now,
			Payload:   payload,
		}
		if err := s.repo.CreateTraceEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) traceGaps(ctx context.Context, claimID string, gaps []*crperrors.ValidationGap) error {
	for _, gap := range gaps {
		payload, _ := json.Marshal(map[string]interface{}{"rule_code": gap.RuleCode, "field": gap.Field})
		event := models.TraceEvent{
			ClaimID:   claimID,
			Kind:      models.EventValidationGap,
			Actor:     "rule-engine",
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		}
		if err := s.repo.CreateTraceEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) DistributePending(ctx context.Context) (assignment.Result, error) {
	findings, err := s.repo.GetUnassignedPendingFindings(ctx)
	if err != nil {
		return assignment.Result{}, err
	}

	claims := make(map[string]*models.Claim)
	var items []assignment.Item
	for _, f := range findings {
		if _, ok := s.catalog.Rule(f.RuleCode); !ok {
			// Catalog inconsistency is fatal to this finding only.
			inc := &crperrors.CatalogInconsistency{RuleCode: f.RuleCode, FindingID: f.ID}
			s.logger.Error(inc.Error())
			continue
		}

		claim, err := s.claimFor(ctx, claims, f.ClaimID)
		if err != nil {
			return assignment.Result{}, err
		}

		items = append(items, assignment.Item{
			Kind:           models.ItemKindFinding,
			Finding:        f,
			Priority:       f.Priority,
			Complexity:     claim.ComplexityTier,
			Amount:         f.SuggestedAmount,
			LineCount:      1,
			RequiredRole:   f.RequiredRole,
			Specialization: f.Category,
		})
	}

	return s.distribute(ctx, items, claims)
}

func (s *service) DistributeClaimAudits(ctx context.Context, claimIDs []string) (assignment.Result, error) {
	claims := make(map[string]*models.Claim)
	var items []assignment.Item
	for _, id := range claimIDs {
		claim, err := s.claimFor(ctx, claims, id)
		if err != nil {
			return assignment.Result{}, err
		}

		lines, err := s.repo.GetServiceLines(ctx, id)
		if err != nil {
			return assignment.Result{}, err
		}

		items = append(items, assignment.Item{
			Kind:           models.ItemKindClaimAudit,
			Claim:          claim,
			Priority:       claim.PriorityTier,
			Complexity:     claim.ComplexityTier,
			Amount:         claim.BilledAmount,
			LineCount:      len(lines),
			Specialization: string(claim.ServiceCategory),
			InpatientAudit: claim.ServiceCategory == models.CategoryInpatient,
		})
	}

	return s.distribute(ctx, items, claims)
}

func (s *service) distribute(ctx context.Context, items []assignment.Item, claims map[string]*models.Claim) (assignment.Result, error) {
	if len(items) == 0 {
		return assignment.Result{}, nil
	}

	reviewers, err := s.repo.GetAvailableReviewers(ctx)
	if err != nil {
		return assignment.Result{}, err
	}
	pool := make([]models.ReviewerProfile, len(reviewers))
	for i, r := range reviewers {
		pool[i] = *r
	}

	result, err := s.assigner.Distribute(ctx, items, pool)
	if err != nil {
		return result, err
	}

	// Claims that got work placed move to ASSIGNED.
	assignedClaims := make(map[string]bool)
	for _, a := range result.Assignments {
		for _, item := range a.Items {
			assignedClaims[item.ClaimID] = true
		}
	}
	for claimID := range assignedClaims {
		claim, err := s.claimFor(ctx, claims, claimID)
		if err != nil {
			return result, err
		}
		if claim.Status != models.ClaimStatusDeductionPending {
			continue
		}
		if err := s.sm.TransitionClaim(ctx, claim, models.ClaimStatusAssigned, "assignment-engine", nil); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (s *service) RecordDecision(ctx context.Context, d models.Decision) error {
	if err := s.recorder.Record(ctx, d); err != nil {
		return err
	}

	// An overturned return re-opens the claim for per-line evaluation.
	claimID := d.ClaimID
	if claimID == "" && d.FindingID != "" {
		f, err := s.repo.GetFindingByID(ctx, d.FindingID)
		if err != nil {
			return err
		}
		claimID = f.ClaimID
	}

	claim, err := s.repo.GetClaimByID(ctx, claimID)
	if err != nil {
		return err
	}
	if claim.Status != models.ClaimStatusReturnRejected {
		return nil
	}

	snap, err := s.snapshot(ctx, *claim)
	if err != nil {
		return err
	}
	findings, gaps := s.eng.EvaluateLines(snap)
	if err := s.traceGaps(ctx, claim.ID, gaps); err != nil {
		return err
	}
	return s.settleDeductions(ctx, claim, findings)
}

func (s *service) ReconcileDeadlines(ctx context.Context) (int, assignment.Result, error) {
	reclaimed, err := s.assigner.Reclaim(ctx, time.Now().UTC())
	if err != nil {
		return 0, assignment.Result{}, err
	}

	// Claims whose work was reclaimed drop back into the distribution pool.
	// Unresolved whole-claim audit items are collected separately: the pending
	// pool only holds findings, so audits must re-enter through their own path.
	claims := make(map[string]*models.Claim)
	var auditClaimIDs []string
	auditSeen := make(map[string]bool)
	for _, a := range reclaimed {
		for _, item := range a.Items {
			if item.Resolved {
				continue
			}
			claim, err := s.claimFor(ctx, claims, item.ClaimID)
			if err != nil {
				return len(reclaimed), assignment.Result{}, err
			}
			if item.Kind == models.ItemKindClaimAudit && !auditSeen[item.ClaimID] {
				auditSeen[item.ClaimID] = true
				auditClaimIDs = append(auditClaimIDs, item.ClaimID)
			}
			if claim.Status == models.ClaimStatusAssigned || claim.Status == models.ClaimStatusUnderReview {
				if err := s.sm.TransitionClaim(ctx, claim, models.ClaimStatusDeductionPending, "assignment-engine",
					map[string]interface{}{"reason": "assignment expired"}); err != nil {
					return len(reclaimed), assignment.Result{}, err
				}
			}
		}
	}

	result, err := s.DistributePending(ctx)
	if err != nil {
		return len(reclaimed), result, err
	}

	if len(auditClaimIDs) > 0 {
		auditResult, err := s.DistributeClaimAudits(ctx, auditClaimIDs)
		result.Assignments = append(result.Assignments, auditResult.Assignments...)
		result.Unassigned = append(result.Unassigned, auditResult.Unassigned...)
		if err != nil {
			return len(reclaimed), result, err
		}
	}

	return len(reclaimed), result, nil
}

func (s *service) WithdrawItem(ctx context.Context, findingID, actor string) error {
	finding, err := s.repo.GetFindingByID(ctx, findingID)
	if err != nil {
		return err
	}
	if finding.Status.Terminal() {
		return &crperrors.WorkflowViolation{
			Entity: "finding", ID: finding.ID,
			From: string(finding.Status), To: "WITHDRAWN",
			Msg: "terminal findings cannot be withdrawn",
		}
	}

	claim, err := s.repo.GetClaimByID(ctx, finding.ClaimID)
	if err != nil {
		return err
	}
	if claim.Status == models.ClaimStatusUnderReview {
		return &crperrors.WorkflowViolation{
			Entity: "finding", ID: finding.ID,
			From: string(finding.Status), To: "WITHDRAWN",
			Msg: "claim is under active review",
		}
	}

	a, err := s.repo.GetOpenAssignmentByFindingID(ctx, findingID)
	if err != nil {
		return err
	}
	if a != nil {
		// Removing the link releases the reviewer's load: load is always
		// derived from open assignment items.
		if err := s.repo.RemoveAssignmentItem(ctx, a.ID, findingID); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]interface{}{"finding_id": findingID})
	return s.repo.CreateTraceEvent(ctx, models.TraceEvent{
		ClaimID:   finding.ClaimID,
		Kind:      models.EventItemWithdrawn,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (s *service) claimFor(ctx context.Context, cache map[string]*models.Claim, claimID string) (*models.Claim, error) {
	if claim, ok := cache[claimID]; ok {
		return claim, nil
	}
	claim, err := s.repo.GetClaimByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	cache[claimID] = claim
	return claim, nil
}

// Package engine evaluates a validated claim against the loaded rule catalog
// and produces findings. Evaluation is pure and deterministic: every external
// fact a predicate needs is carried on the Snapshot, so the same snapshot and
// catalog version always yield the same finding set.
package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/veritashealth/crp-app/crp/catalog"
	crperrors "github.com/veritashealth/crp-app/crp/errors"
	"github.com/veritashealth/crp-app/crp/models"
	"github.com/veritashealth/crp-app/crp/utils"
	"github.com/veritashealth/crp-app/log"
)

// Reference carries externally-resolved facts needed by rule predicates.
// A nil pointer or nil map means the fact could not be resolved; rules that
// need it are skipped with a ValidationGap instead of failing the claim.
type Reference struct {
	DuplicateOfClaimID *string
	ProviderInNetwork  *bool
	BeneficiaryCovered *bool

	TariffByCode        map[string]float64
	AgreedRateByCode    map[string]float64
	AuthorizedCodes     map[string]bool
	CoveredServiceCodes map[string]bool
	ClinicalFlags       map[string]bool // keyed by service line id
}

// Snapshot is the full evaluation input for one claim.
type Snapshot struct {
	Claim     models.Claim
	Lines     []models.ServiceLine
	Reference Reference
}

type Engine struct {
	catalog         *catalog.Catalog
	legalWindowDays int
	logger          logrus.FieldLogger
}

func New(c *catalog.Catalog, legalWindowDays int) *Engine {
	return &Engine{
		catalog:         c,
		legalWindowDays: legalWindowDays,
		logger:          log.Engine,
	}
}

// Evaluate runs the catalog against the snapshot. Whole-claim rules run
// first; if one fires the claim is returned whole and per-line evaluation is
// skipped (a returned claim is never also deducted). Gaps record rules that
// were skipped for missing reference data.
func (e *Engine) Evaluate(snap Snapshot) ([]models.Finding, []*crperrors.ValidationGap) {
	var gaps []*crperrors.ValidationGap

	for _, rule := range e.catalog.ClaimRules() {
		fired, gap := e.claimRuleFires(rule, snap)
		if gap != nil {
			gaps = append(gaps, gap)
			e.logger.WithFields(logrus.Fields{"claim": snap.Claim.ID, "rule": rule.Code}).
				Warn(gap.Error())
			continue
		}
		if fired {
			return []models.Finding{returnFinding(rule, snap.Claim)}, gaps
		}
	}

	findings, lineGaps := e.EvaluateLines(snap)
	return findings, append(gaps, lineGaps...)
}

// EvaluateLines runs only the per-line rules. Used directly when a return
// finding is overturned: the claim's return question is already settled, so
// only deductions remain.
func (e *Engine) EvaluateLines(snap Snapshot) ([]models.Finding, []*crperrors.ValidationGap) {
	var findings []models.Finding
	var gaps []*crperrors.ValidationGap
	for _, rule := range e.catalog.LineRules() {
		lineFindings, lineGaps := e.evaluateLineRule(rule, snap)
		findings = append(findings, lineFindings...)
		for _, gap := range lineGaps {
			gaps = append(gaps, gap)
			e.logger.WithFields(logrus.Fields{"claim": snap.Claim.ID, "rule": rule.Code}).
				Warn(gap.Error())
		}
	}

	return findings, gaps
}

func (e *Engine) claimRuleFires(rule catalog.Rule, snap Snapshot) (bool, *crperrors.ValidationGap) {
	ref := snap.Reference
	claim := snap.Claim

	switch rule.Code {
	case "RT01":
		if claim.ServiceDate.IsZero() {
			return false, gap(rule, claim.ID, "service_date")
		}
		return utils.BusinessDaysBetween(claim.ServiceDate, claim.SubmittedAt) > e.legalWindowDays, nil
	case "RT02":
		if ref.DuplicateOfClaimID == nil {
			return false, gap(rule, claim.ID, "duplicate_lookup")
		}
		return *ref.DuplicateOfClaimID != "", nil
	case "RT03":
		if ref.ProviderInNetwork == nil {
			return false, gap(rule, claim.ID, "provider_network")
		}
		return !*ref.ProviderInNetwork, nil
	case "RT04":
		if ref.BeneficiaryCovered == nil {
			return false, gap(rule, claim.ID, "beneficiary_coverage")
		}
		return !*ref.BeneficiaryCovered, nil
	default:
		// A catalog entry with no predicate is a data problem, not a reason
		// to block the claim.
		return false, gap(rule, claim.ID, "predicate")
	}
}

func (e *Engine) evaluateLineRule(rule catalog.Rule, snap Snapshot) ([]models.Finding, []*crperrors.ValidationGap) {
	ref := snap.Reference
	claimID := snap.Claim.ID

	switch rule.Code {
	case "LN01":
		if ref.TariffByCode == nil {
			return nil, []*crperrors.ValidationGap{gap(rule, claimID, "tariff_table")}
		}
		return e.rateRule(rule, snap, ref.TariffByCode, "tariff")
	case "LN07":
		if ref.AgreedRateByCode == nil {
			return nil, []*crperrors.ValidationGap{gap(rule, claimID, "agreement_rates")}
		}
		return e.rateRule(rule, snap, ref.AgreedRateByCode, "agreement_rate")
	case "LN02":
		var findings []models.Finding
		for _, line := range snap.Lines {
			if !line.SupportDocsAttached {
				findings = append(findings, deductionFinding(rule, snap, line, line.BilledAmount))
			}
		}
		return findings, nil
	case "LN03":
		var findings []models.Finding
		var gaps []*crperrors.ValidationGap
		for _, line := range snap.Lines {
			if !line.RequiresAuthorization {
				continue
			}
			if line.AuthorizationCode == "" {
				findings = append(findings, deductionFinding(rule, snap, line, line.BilledAmount))
				continue
			}
			if ref.AuthorizedCodes == nil {
				gaps = append(gaps, gap(rule, claimID, "authorization_registry"))
				continue
			}
			if !ref.AuthorizedCodes[line.AuthorizationCode] {
				findings = append(findings, deductionFinding(rule, snap, line, line.BilledAmount))
			}
		}
		return findings, gaps
	case "LN04":
		if ref.CoveredServiceCodes == nil {
			return nil, []*crperrors.ValidationGap{gap(rule, claimID, "coverage_table")}
		}
		var findings []models.Finding
		for _, line := range snap.Lines {
			if !ref.CoveredServiceCodes[line.ServiceCode] {
				findings = append(findings, deductionFinding(rule, snap, line, line.BilledAmount))
			}
		}
		return findings, nil
	case "LN05":
		if ref.ClinicalFlags == nil {
			return nil, []*crperrors.ValidationGap{gap(rule, claimID, "clinical_flags")}
		}
		var findings []models.Finding
		for _, line := range snap.Lines {
			if ref.ClinicalFlags[line.ID] {
				amount := rule.Policy.Percent / 100 * line.BilledAmount
				findings = append(findings, deductionFinding(rule, snap, line, amount))
			}
		}
		return findings, nil
	case "LN06":
		seen := make(map[string]bool, len(snap.Lines))
		var findings []models.Finding
		for _, line := range snap.Lines {
			if seen[line.ServiceCode] {
				findings = append(findings, deductionFinding(rule, snap, line, line.BilledAmount))
			}
			seen[line.ServiceCode] = true
		}
		return findings, nil
	default:
		return nil, []*crperrors.ValidationGap{gap(rule, claimID, "predicate")}
	}
}

// rateRule covers the unit_delta rules: the line's unit amount is compared to
// a reference rate and the deduction is units times the excess.
func (e *Engine) rateRule(rule catalog.Rule, snap Snapshot, rates map[string]float64, field string) ([]models.Finding, []*crperrors.ValidationGap) {
	var findings []models.Finding
	var gaps []*crperrors.ValidationGap

	for _, line := range snap.Lines {
		rate, ok := rates[line.ServiceCode]
		if !ok {
			gaps = append(gaps, gap(rule, snap.Claim.ID, field+"["+line.ServiceCode+"]"))
			continue
		}
		if line.UnitAmount > rate {
			amount := float64(line.Quantity) * (line.UnitAmount - rate)
			findings = append(findings, deductionFinding(rule, snap, line, amount))
		}
	}

	return findings, gaps
}

func returnFinding(rule catalog.Rule, claim models.Claim) models.Finding {
	return models.Finding{
		ClaimID:         claim.ID,
		RuleCode:        rule.Code,
		Kind:            models.FindingKindReturn,
		Category:        rule.Category,
		SuggestedAmount: claim.BilledAmount,
		RequiredRole:    rule.RequiredRole,
		Priority:        rule.Priority,
		Status:          models.FindingStatusPending,
	}
}

func deductionFinding(rule catalog.Rule, snap Snapshot, line models.ServiceLine, amount float64) models.Finding {
	if amount < 0 {
		amount = 0
	}
	return models.Finding{
		ClaimID:         snap.Claim.ID,
		LineID:          line.ID,
		RuleCode:        rule.Code,
		Kind:            models.FindingKindDeduction,
		Category:        rule.Category,
		SuggestedAmount: amount,
		RequiredRole:    rule.RequiredRole,
		Priority:        rule.Priority,
		Status:          models.FindingStatusPending,
	}
}

func gap(rule catalog.Rule, claimID, field string) *crperrors.ValidationGap {
	return &crperrors.ValidationGap{RuleCode: rule.Code, ClaimID: claimID, Field: field}
}

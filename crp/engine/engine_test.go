package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritashealth/crp-app/crp/catalog"
	"github.com/veritashealth/crp-app/crp/models"
)

const legalWindow = 22

func newTestEngine(t *testing.T) *Engine {
	c, err := catalog.Load(catalog.DefaultVersion)
	require.NoError(t, err)
	return New(c, legalWindow)
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// fullReference resolves every fact so no rule is skipped.
func fullReference() Reference {
	return Reference{
		DuplicateOfClaimID:  strPtr(""),
		ProviderInNetwork:   boolPtr(true),
		BeneficiaryCovered:  boolPtr(true),
		TariffByCode:        map[string]float64{"SVC-1": 1000, "SVC-2": 500},
		AgreedRateByCode:    map[string]float64{"SVC-1": 1000, "SVC-2": 500},
		AuthorizedCodes:     map[string]bool{"AUTH-1": true},
		CoveredServiceCodes: map[string]bool{"SVC-1": true, "SVC-2": true},
		ClinicalFlags:       map[string]bool{},
	}
}

func cleanLine(id, code string, qty int, unitAmount float64) models.ServiceLine {
	return models.ServiceLine{
		ID:                  id,
		ClaimID:             "claim-1",
		ServiceCode:         code,
		Quantity:            qty,
		UnitAmount:          unitAmount,
		BilledAmount:        float64(qty) * unitAmount,
		SupportDocsAttached: true,
	}
}

func cleanSnapshot() Snapshot {
	// Monday service date, submitted ten business days later
	serviceDate := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	return Snapshot{
		Claim: models.Claim{
			ID:           "claim-1",
			ProviderID:   "prov-1",
			BilledAmount: 1500,
			ServiceDate:  serviceDate,
			SubmittedAt:  serviceDate.AddDate(0, 0, 14),
			Status:       models.ClaimStatusValidated,
		},
		Lines: []models.ServiceLine{
			cleanLine("line-1", "SVC-1", 1, 1000),
			cleanLine("line-2", "SVC-2", 1, 500),
		},
		Reference: fullReference(),
	}
}

func TestEvaluateCleanClaim(t *testing.T) {
	e := newTestEngine(t)

	findings, gaps := e.Evaluate(cleanSnapshot())
	assert.Empty(t, findings)
	assert.Empty(t, gaps)
}

// A claim submitted past the legal window is returned whole: one return
// finding for the full billed amount and no per-line findings, even when the
// lines would also deduct.
func TestEvaluateLateSubmission(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Claim.BilledAmount = 1200000
	// 25 business days is 5 calendar weeks
	snap.Claim.SubmittedAt = snap.Claim.ServiceDate.AddDate(0, 0, 35)
	// Would fire LN02 if line rules ran
	snap.Lines[0].SupportDocsAttached = false

	findings, gaps := e.Evaluate(snap)
	require.Len(t, findings, 1)
	assert.Empty(t, gaps)

	f := findings[0]
	assert.Equal(t, "RT01", f.RuleCode)
	assert.Equal(t, models.FindingKindReturn, f.Kind)
	assert.Equal(t, "", f.LineID)
	assert.Equal(t, 1200000.0, f.SuggestedAmount)
	assert.Equal(t, models.RoleAdministrative, f.RequiredRole)
	assert.Equal(t, models.TierHigh, f.Priority)
	assert.Equal(t, models.FindingStatusPending, f.Status)
}

func TestEvaluateSubmissionInsideWindow(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	// Exactly 22 business days does not fire; the window is inclusive.
	snap.Claim.SubmittedAt = timeAfterBusinessDays(snap.Claim.ServiceDate, legalWindow)

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, findings)
	assert.Empty(t, gaps)
}

func timeAfterBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}

func TestEvaluateClaimRules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Snapshot)
		ruleCode string
	}{
		{"Duplicate", func(s *Snapshot) { s.Reference.DuplicateOfClaimID = strPtr("claim-0") }, "RT02"},
		{"ProviderOutOfNetwork", func(s *Snapshot) { s.Reference.ProviderInNetwork = boolPtr(false) }, "RT03"},
		{"BeneficiaryNotCovered", func(s *Snapshot) { s.Reference.BeneficiaryCovered = boolPtr(false) }, "RT04"},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := cleanSnapshot()
			tt.mutate(&snap)

			findings, gaps := e.Evaluate(snap)
			require.Len(t, findings, 1)
			assert.Empty(t, gaps)
			assert.Equal(t, tt.ruleCode, findings[0].RuleCode)
			assert.Equal(t, models.FindingKindReturn, findings[0].Kind)
			assert.Equal(t, snap.Claim.BilledAmount, findings[0].SuggestedAmount)
		})
	}
}

// Claim rules run in catalog order and the first firing wins.
func TestEvaluateFirstClaimRuleWins(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Reference.DuplicateOfClaimID = strPtr("claim-0")
	snap.Reference.ProviderInNetwork = boolPtr(false)

	findings, _ := e.Evaluate(snap)
	require.Len(t, findings, 1)
	assert.Equal(t, "RT02", findings[0].RuleCode)
}

func TestEvaluateTariffExceeded(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Lines[0] = cleanLine("line-1", "SVC-1", 3, 1200)

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, gaps)

	// LN01 and LN07 both compare against a rate table of 1000
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, "line-1", f.LineID)
		assert.Equal(t, models.FindingKindDeduction, f.Kind)
		// 3 units, 200 over the rate
		assert.Equal(t, 600.0, f.SuggestedAmount)
	}
	assert.Equal(t, "LN01", findings[0].RuleCode)
	assert.Equal(t, "LN07", findings[1].RuleCode)
}

func TestEvaluateMissingSupportDocs(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Lines[1].SupportDocsAttached = false

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, gaps)
	require.Len(t, findings, 1)
	assert.Equal(t, "LN02", findings[0].RuleCode)
	assert.Equal(t, "line-2", findings[0].LineID)
	assert.Equal(t, snap.Lines[1].BilledAmount, findings[0].SuggestedAmount)
}

func TestEvaluateAuthorization(t *testing.T) {
	e := newTestEngine(t)

	t.Run("MissingCode", func(t *testing.T) {
		snap := cleanSnapshot()
		snap.Lines[0].RequiresAuthorization = true

		findings, gaps := e.Evaluate(snap)
		assert.Empty(t, gaps)
		require.Len(t, findings, 1)
		assert.Equal(t, "LN03", findings[0].RuleCode)
	})

	t.Run("UnknownCode", func(t *testing.T) {
		snap := cleanSnapshot()
		snap.Lines[0].RequiresAuthorization = true
		snap.Lines[0].AuthorizationCode = "AUTH-9"

		findings, gaps := e.Evaluate(snap)
		assert.Empty(t, gaps)
		require.Len(t, findings, 1)
		assert.Equal(t, "LN03", findings[0].RuleCode)
	})

	t.Run("ValidCode", func(t *testing.T) {
		snap := cleanSnapshot()
		snap.Lines[0].RequiresAuthorization = true
		snap.Lines[0].AuthorizationCode = "AUTH-1"

		findings, gaps := e.Evaluate(snap)
		assert.Empty(t, gaps)
		assert.Empty(t, findings)
	})

	t.Run("RegistryUnavailable", func(t *testing.T) {
		snap := cleanSnapshot()
		snap.Lines[0].RequiresAuthorization = true
		snap.Lines[0].AuthorizationCode = "AUTH-1"
		snap.Reference.AuthorizedCodes = nil

		findings, gaps := e.Evaluate(snap)
		assert.Empty(t, findings)
		require.Len(t, gaps, 1)
		assert.Equal(t, "LN03", gaps[0].RuleCode)
	})
}

func TestEvaluateNotCovered(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	delete(snap.Reference.CoveredServiceCodes, "SVC-2")

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, gaps)
	require.Len(t, findings, 1)
	assert.Equal(t, "LN04", findings[0].RuleCode)
	assert.Equal(t, "line-2", findings[0].LineID)
}

func TestEvaluateClinicalPertinence(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Reference.ClinicalFlags["line-1"] = true

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, gaps)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "LN05", f.RuleCode)
	// 50 percent of the line amount in the default catalog
	assert.Equal(t, 500.0, f.SuggestedAmount)
	assert.Equal(t, models.RoleClinical, f.RequiredRole)
}

func TestEvaluateDuplicateLine(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Lines = append(snap.Lines, cleanLine("line-3", "SVC-1", 1, 1000))

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, gaps)
	require.Len(t, findings, 1)
	assert.Equal(t, "LN06", findings[0].RuleCode)
	// Only the second occurrence deducts
	assert.Equal(t, "line-3", findings[0].LineID)
}

// Missing reference data skips the rule with a gap instead of producing a
// finding or failing the claim.
func TestEvaluateValidationGaps(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Reference = Reference{}

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, findings)

	codes := make(map[string]bool)
	for _, g := range gaps {
		codes[g.RuleCode] = true
		assert.Equal(t, "claim-1", g.ClaimID)
	}
	// Every fact-dependent rule reports a gap; docs and duplicate-line rules
	// still run on snapshot data alone.
	for _, code := range []string{"RT02", "RT03", "RT04", "LN01", "LN04", "LN05", "LN07"} {
		assert.True(t, codes[code], "expected gap for %s", code)
	}
	assert.False(t, codes["LN02"])
	assert.False(t, codes["LN06"])
}

func TestEvaluateZeroServiceDateIsGap(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Claim.ServiceDate = time.Time{}

	findings, gaps := e.Evaluate(snap)
	assert.Empty(t, findings)
	require.Len(t, gaps, 1)
	assert.Equal(t, "RT01", gaps[0].RuleCode)
	assert.Equal(t, "service_date", gaps[0].Field)
}

func TestEvaluateLinesSkipsClaimRules(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	// Late submission would return the claim under Evaluate
	snap.Claim.SubmittedAt = snap.Claim.ServiceDate.AddDate(0, 0, 60)
	snap.Lines[0].SupportDocsAttached = false

	findings, gaps := e.EvaluateLines(snap)
	assert.Empty(t, gaps)
	require.Len(t, findings, 1)
	assert.Equal(t, "LN02", findings[0].RuleCode)
}

func TestEvaluateNegativeAmountClamped(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Reference.ClinicalFlags["line-1"] = true
	snap.Lines[0].BilledAmount = -100

	findings, _ := e.Evaluate(snap)
	require.Len(t, findings, 1)
	assert.Equal(t, 0.0, findings[0].SuggestedAmount)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := newTestEngine(t)

	snap := cleanSnapshot()
	snap.Lines[0] = cleanLine("line-1", "SVC-1", 2, 1500)
	snap.Lines[1].SupportDocsAttached = false
	snap.Reference.ClinicalFlags["line-2"] = true

	first, firstGaps := e.Evaluate(snap)
	for i := 0; i < 10; i++ {
		findings, gaps := e.Evaluate(snap)
		assert.Equal(t, first, findings)
		assert.Equal(t, firstGaps, gaps)
	}
}

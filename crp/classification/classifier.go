// Package classification derives the service category, complexity tier and
// priority tier of a validated claim. Classification is pure: the same claim
// and summary always produce the same result, and nothing is mutated.
package classification

import (
	"github.com/veritashealth/crp-app/crp/models"
	"github.com/veritashealth/crp-app/crp/utils"
)

type Config struct {
	// Billed-amount cutoffs for priority. Amounts at or above High are HIGH,
	// at or above Medium are MEDIUM, everything else LOW.
	PriorityMediumAmount float64
	PriorityHighAmount   float64

	// Line-count and patient-count cutoffs for complexity.
	ComplexityMediumLines    int
	ComplexityHighLines      int
	ComplexityMediumPatients int
	ComplexityHighPatients   int
}

func LoadConfig() Config {
	return Config{
		PriorityMediumAmount: utils.GetEnvFloat("CRP_PRIORITY_MEDIUM_AMOUNT", 200000),
		PriorityHighAmount:   utils.GetEnvFloat("CRP_PRIORITY_HIGH_AMOUNT", 1000000),

		ComplexityMediumLines:    utils.GetEnvInt("CRP_COMPLEXITY_MEDIUM_LINES", 5),
		ComplexityHighLines:      utils.GetEnvInt("CRP_COMPLEXITY_HIGH_LINES", 20),
		ComplexityMediumPatients: utils.GetEnvInt("CRP_COMPLEXITY_MEDIUM_PATIENTS", 3),
		ComplexityHighPatients:   utils.GetEnvInt("CRP_COMPLEXITY_HIGH_PATIENTS", 10),
	}
}

type Result struct {
	ServiceCategory models.ServiceCategory
	ComplexityTier  models.Tier
	PriorityTier    models.Tier
}

// Classify determines the category, complexity and priority of a claim.
// A nil summary defaults the category to AMBULATORY and complexity to LOW.
func Classify(claim models.Claim, summary *models.ServiceSummary, cfg Config) Result {
	return Result{
		ServiceCategory: serviceCategory(summary),
		ComplexityTier:  complexityTier(summary, cfg),
		PriorityTier:    priorityTier(claim.BilledAmount, cfg),
	}
}

func serviceCategory(summary *models.ServiceSummary) models.ServiceCategory {
	if summary == nil {
		return models.CategoryAmbulatory
	}
	if summary.InpatientLines > 0 || summary.EmergencyLines > 0 {
		return models.CategoryInpatient
	}
	return models.CategoryAmbulatory
}

func complexityTier(summary *models.ServiceSummary, cfg Config) models.Tier {
	if summary == nil {
		return models.TierLow
	}
	if summary.LineCount >= cfg.ComplexityHighLines || summary.PatientCount >= cfg.ComplexityHighPatients {
		return models.TierHigh
	}
	if summary.LineCount >= cfg.ComplexityMediumLines || summary.PatientCount >= cfg.ComplexityMediumPatients {
		return models.TierMedium
	}
	return models.TierLow
}

func priorityTier(billedAmount float64, cfg Config) models.Tier {
	switch {
	case billedAmount >= cfg.PriorityHighAmount:
		return models.TierHigh
	case billedAmount >= cfg.PriorityMediumAmount:
		return models.TierMedium
	default:
		return models.TierLow
	}
}

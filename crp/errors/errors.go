package errors

import (
	"fmt"

	"github.com/veritashealth/crp-app/crp/models"
)

// ValidationGap records a rule predicate that could not be evaluated because
// reference data was missing. Evaluation continues; the gap is logged and
// traced, never fatal.
type ValidationGap struct {
	RuleCode string
	ClaimID  string
	Field    string
}

func (e *ValidationGap) Error() string {
	return fmt.Sprintf("rule %s skipped for claim %s: missing %s", e.RuleCode, e.ClaimID, e.Field)
}

// WorkflowViolation is returned for an illegal transition attempt. The entity
// is left untouched.
type WorkflowViolation struct {
	Entity string // "claim" or "finding"
	ID     string
	From   string
	To     string
	Msg    string
}

func (e *WorkflowViolation) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("illegal %s transition %s -> %s for %s: %s", e.Entity, e.From, e.To, e.ID, e.Msg)
	}
	return fmt.Sprintf("illegal %s transition %s -> %s for %s", e.Entity, e.From, e.To, e.ID)
}

// ConcurrentModification signals that an optimistic-concurrency check failed.
// The caller must re-read and retry.
type ConcurrentModification struct {
	Entity string
	ID     string
}

func (e *ConcurrentModification) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently, re-read and retry", e.Entity, e.ID)
}

// NoEligibleReviewer surfaces an item the assignment engine could not place.
// The item stays pending; it is never silently dropped.
type NoEligibleReviewer struct {
	ItemID string
	Role   models.ReviewerRole
}

func (e *NoEligibleReviewer) Error() string {
	return fmt.Sprintf("no eligible %s reviewer for item %s", e.Role, e.ItemID)
}

// CatalogInconsistency marks a finding that references a rule code absent
// from the loaded catalog version. Fatal to that finding only.
type CatalogInconsistency struct {
	RuleCode  string
	FindingID string
}

func (e *CatalogInconsistency) Error() string {
	return fmt.Sprintf("finding %s references unknown rule code %s", e.FindingID, e.RuleCode)
}

// Repository contains all of the methods needed to interact with CRP data.
package models

import (
	"context"
	"errors"
	"time"
)

type Repository interface {
	claimRepository
	serviceLineRepository
	findingRepository
	reviewerRepository
	assignmentRepository
	traceRepository

	// InTx runs fn against a repository bound to a single transaction.
	// Workflow transitions rely on this to keep the state change and its
	// trace event all-or-nothing.
	InTx(ctx context.Context, fn func(Repository) error) error
}

type claimRepository interface {
	GetClaimByID(ctx context.Context, claimID string) (*Claim, error)

	GetClaimsByStatus(ctx context.Context, statuses ...ClaimStatus) ([]*Claim, error)

	// UpdateClaimClassification persists the classification fields without
	// touching the lifecycle state.
	UpdateClaimClassification(ctx context.Context, claim Claim) error

	// UpdateClaimStatusCheckVersion moves the claim identified by claimID
	// from current to new iff both the status and version still match.
	// Returns ErrClaimNotUpdated otherwise.
	UpdateClaimStatusCheckVersion(ctx context.Context, claimID string, current, new ClaimStatus, version int) error

	// GetDuplicateClaimID returns the id of an earlier claim with the same
	// provider, billed amount and service date, or "" when none exists.
	GetDuplicateClaimID(ctx context.Context, claim Claim) (string, error)
}

type serviceLineRepository interface {
	GetServiceLines(ctx context.Context, claimID string) ([]*ServiceLine, error)

	// GetServiceSummary returns nil, nil when the intake collaborator did not
	// supply a statistics block.
	GetServiceSummary(ctx context.Context, claimID string) (*ServiceSummary, error)
}

type findingRepository interface {
	CreateFindings(ctx context.Context, findings ...Finding) error

	GetFindingByID(ctx context.Context, findingID string) (*Finding, error)

	GetFindingsByClaimID(ctx context.Context, claimID string) ([]*Finding, error)

	// GetUnassignedPendingFindings returns pending findings that have no open
	// assignment link, so a finding is never linked to two open assignments.
	GetUnassignedPendingFindings(ctx context.Context) ([]*Finding, error)

	// UpdateFindingCheckVersion writes the finding's mutable fields iff the
	// stored version matches finding.Version. Returns ErrFindingNotUpdated
	// otherwise.
	UpdateFindingCheckVersion(ctx context.Context, finding Finding) error
}

type reviewerRepository interface {
	CreateReviewer(ctx context.Context, reviewer ReviewerProfile) error

	GetAvailableReviewers(ctx context.Context) ([]*ReviewerProfile, error)

	// GetActiveAssignedWeights returns, per reviewer id, the summed weight of
	// items on open assignments. Always computed fresh; never cached.
	GetActiveAssignedWeights(ctx context.Context) (map[string]float64, error)

	GetOpenAssignmentCounts(ctx context.Context) (map[string]int, error)
}

type assignmentRepository interface {
	CreateAssignment(ctx context.Context, assignment Assignment) (string, error)

	GetOpenAssignmentByFindingID(ctx context.Context, findingID string) (*Assignment, error)

	GetOpenAssignmentsPastDue(ctx context.Context, asOf time.Time) ([]*Assignment, error)

	UpdateAssignmentStatus(ctx context.Context, assignmentID string, current, new AssignmentStatus) error

	MarkAssignmentItemResolved(ctx context.Context, assignmentID, findingID string) error

	// OpenItemCount reports how many unresolved items remain on an assignment.
	OpenItemCount(ctx context.Context, assignmentID string) (int, error)

	RemoveAssignmentItem(ctx context.Context, assignmentID, findingID string) error
}

type traceRepository interface {
	CreateTraceEvent(ctx context.Context, event TraceEvent) error

	GetTraceEvents(ctx context.Context, claimID string) ([]*TraceEvent, error)
}

var (
	ErrClaimNotUpdated      = errors.New("claim was not updated, no match found")
	ErrFindingNotUpdated    = errors.New("finding was not updated, no match found")
	ErrAssignmentNotUpdated = errors.New("assignment was not updated, no match found")
	ErrClaimNotFound        = errors.New("no claim found for given id")
	ErrFindingNotFound      = errors.New("no finding found for given id")
)

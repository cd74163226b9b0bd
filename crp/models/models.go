package models

import (
	"encoding/json"
	"time"
)

// ClaimStatus tracks a claim through the review lifecycle. Transitions between
// statuses are owned by the workflow package; nothing else mutates them.
type ClaimStatus string

const (
	ClaimStatusIntake           ClaimStatus = "INTAKE"
	ClaimStatusValidated        ClaimStatus = "VALIDATED"
	ClaimStatusReturnPending    ClaimStatus = "RETURN_PENDING"
	ClaimStatusReturned         ClaimStatus = "RETURNED"
	ClaimStatusReturnRejected   ClaimStatus = "RETURN_REJECTED"
	ClaimStatusDeductionPending ClaimStatus = "DEDUCTION_PENDING"
	ClaimStatusAssigned         ClaimStatus = "ASSIGNED"
	ClaimStatusUnderReview      ClaimStatus = "UNDER_REVIEW"
	ClaimStatusResolved         ClaimStatus = "RESOLVED"
	ClaimStatusClosed           ClaimStatus = "CLOSED"
)

type FindingStatus string

const (
	FindingStatusPending   FindingStatus = "PENDING"
	FindingStatusApproved  FindingStatus = "APPROVED"
	FindingStatusRejected  FindingStatus = "REJECTED"
	FindingStatusModified  FindingStatus = "MODIFIED"
	FindingStatusEscalated FindingStatus = "ESCALATED"
)

// Terminal reports whether no further finding transitions are legal.
// ESCALATED is not terminal: the finding re-enters PENDING bound to the
// clinical role.
func (s FindingStatus) Terminal() bool {
	return s == FindingStatusApproved || s == FindingStatusRejected || s == FindingStatusModified
}

type FindingKind string

const (
	FindingKindReturn    FindingKind = "RETURN"
	FindingKindDeduction FindingKind = "DEDUCTION"
)

type ReviewerRole string

const (
	RoleClinical       ReviewerRole = "CLINICAL"
	RoleAdministrative ReviewerRole = "ADMINISTRATIVE"
)

type ServiceCategory string

const (
	CategoryAmbulatory ServiceCategory = "AMBULATORY"
	CategoryInpatient  ServiceCategory = "INPATIENT"
)

type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

// Weight orders tiers for assignment scoring; unknown tiers sort lowest.
func (t Tier) Weight() int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// Claim is a submitted reimbursement request under audit. Created by the
// external intake collaborator, mutated only via workflow transitions,
// archived (never deleted). Version backs optimistic concurrency checks.
type Claim struct {
	ID              string
	ProviderID      string
	BilledAmount    float64
	ServiceDate     time.Time
	SubmittedAt     time.Time
	LegalDeadline   time.Time
	Status          ClaimStatus
	ServiceCategory ServiceCategory
	ComplexityTier  Tier
	PriorityTier    Tier
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ServiceLine is one billed service on a claim.
type ServiceLine struct {
	ID                    string
	ClaimID               string
	ServiceCode           string
	Description           string
	Quantity              int
	UnitAmount            float64
	BilledAmount          float64
	RequiresAuthorization bool
	AuthorizationCode     string
	SupportDocsAttached   bool
	InpatientIndicator    bool
	EmergencyIndicator    bool
}

// ServiceSummary is the optional service-line statistics block supplied by
// the intake collaborator. The core tolerates its absence.
type ServiceSummary struct {
	LineCount      int
	PatientCount   int
	InpatientLines int
	EmergencyLines int
	TotalValue     float64
}

// Finding is a provisional, rule-generated determination pending human
// confirmation. Return findings reject the whole claim if confirmed;
// deduction findings reduce the payable amount of one line.
type Finding struct {
	ID              string
	ClaimID         string
	LineID          string // empty for return findings
	RuleCode        string
	Kind            FindingKind
	Category        string
	SuggestedAmount float64
	RequiredRole    ReviewerRole
	Priority        Tier
	Status          FindingStatus
	ResolverID      string
	FinalAmount     float64
	FinalCode       string
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReviewerProfile describes a human reviewer. Workload is always derived on
// demand from active assignments, never cached here.
type ReviewerProfile struct {
	ID             string
	Name           string
	Role           ReviewerRole
	Specialization string
	DailyCapacity  float64
	Available      bool
}

type AssignmentStatus string

const (
	AssignmentStatusOpen      AssignmentStatus = "OPEN"
	AssignmentStatusCompleted AssignmentStatus = "COMPLETED"
	AssignmentStatusExpired   AssignmentStatus = "EXPIRED"
)

// Assignment binds a reviewer to one or more findings/claims with a due date.
// Created only by the assignment engine.
type Assignment struct {
	ID         string
	ReviewerID string
	Status     AssignmentStatus
	ItemCount  int
	TotalValue float64
	DueDate    time.Time
	CreatedAt  time.Time
	Items      []AssignmentItem
}

type AssignmentItemKind string

const (
	ItemKindFinding    AssignmentItemKind = "FINDING"
	ItemKindClaimAudit AssignmentItemKind = "CLAIM_AUDIT"
)

// AssignmentItem links one finding (or one whole-claim audit) to an
// assignment with its effort weight.
type AssignmentItem struct {
	AssignmentID string
	Kind         AssignmentItemKind
	FindingID    string
	ClaimID      string
	Weight       float64
	Resolved     bool
}

// TraceEvent is an immutable audit record. Exactly one is appended per legal
// workflow transition, within the same transaction as the state change.
type TraceEvent struct {
	ID        uint
	ClaimID   string
	Kind      string
	Actor     string
	Timestamp time.Time
	Payload   json.RawMessage
}

// Trace event kinds.
const (
	EventClaimClassified     = "CLAIM_CLASSIFIED"
	EventClaimTransitioned   = "CLAIM_TRANSITIONED"
	EventFindingCreated      = "FINDING_CREATED"
	EventFindingResolved     = "FINDING_RESOLVED"
	EventFindingEscalated    = "FINDING_ESCALATED"
	EventAssignmentCreated   = "ASSIGNMENT_CREATED"
	EventAssignmentExpired   = "ASSIGNMENT_EXPIRED"
	EventAssignmentCompleted = "ASSIGNMENT_COMPLETED"
	EventItemWithdrawn       = "ITEM_WITHDRAWN"
	EventValidationGap       = "VALIDATION_GAP"
)

type DecisionAction string

const (
	ActionApproveAll DecisionAction = "APPROVE_ALL"
	ActionRejectAll  DecisionAction = "REJECT_ALL"
	ActionApproveOne DecisionAction = "APPROVE_ONE"
	ActionReassign   DecisionAction = "REASSIGN"
	ActionModify     DecisionAction = "MODIFY"
)

// Decision is the record supplied by the human-review surface.
type Decision struct {
	FindingID      string
	ClaimID        string
	Action         DecisionAction
	ActorID        string
	Justification  string
	OverrideAmount *float64
	OverrideCode   string
}

package models

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockRepository is a testify mock of Repository, shared by the packages that
// exercise the pipeline without a database.
type MockRepository struct {
	mock.Mock
}

var _ Repository = &MockRepository{}

func (m *MockRepository) GetClaimByID(ctx context.Context, claimID string) (*Claim, error) {
	args := m.Called(ctx, claimID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claim), args.Error(1)
}

func (m *MockRepository) GetClaimsByStatus(ctx context.Context, statuses ...ClaimStatus) ([]*Claim, error) {
	callArgs := make([]interface{}, 0, len(statuses)+1)
	callArgs = append(callArgs, ctx)
	for _, s := range statuses {
		callArgs = append(callArgs, s)
	}
	args := m.Called(callArgs...)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Claim), args.Error(1)
}

func (m *MockRepository) UpdateClaimClassification(ctx context.Context, claim Claim) error {
	args := m.Called(ctx, claim)
	return args.Error(0)
}

func (m *MockRepository) UpdateClaimStatusCheckVersion(ctx context.Context, claimID string, current, new ClaimStatus, version int) error {
	args := m.Called(ctx, claimID, current, new, version)
	return args.Error(0)
}

func (m *MockRepository) GetDuplicateClaimID(ctx context.Context, claim Claim) (string, error) {
	args := m.Called(ctx, claim)
	return args.String(0), args.Error(1)
}

func (m *MockRepository) GetServiceLines(ctx context.Context, claimID string) ([]*ServiceLine, error) {
	args := m.Called(ctx, claimID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ServiceLine), args.Error(1)
}

func (m *MockRepository) GetServiceSummary(ctx context.Context, claimID string) (*ServiceSummary, error) {
	args := m.Called(ctx, claimID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ServiceSummary), args.Error(1)
}

func (m *MockRepository) CreateFindings(ctx context.Context, findings ...Finding) error {
	callArgs := make([]interface{}, 0, len(findings)+1)
	callArgs = append(callArgs, ctx)
	for _, f := range findings {
		callArgs = append(callArgs, f)
	}
	args := m.Called(callArgs...)
	return args.Error(0)
}

func (m *MockRepository) GetFindingByID(ctx context.Context, findingID string) (*Finding, error) {
	args := m.Called(ctx, findingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Finding), args.Error(1)
}

func (m *MockRepository) GetFindingsByClaimID(ctx context.Context, claimID string) ([]*Finding, error) {
	args := m.Called(ctx, claimID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Finding), args.Error(1)
}

func (m *MockRepository) GetUnassignedPendingFindings(ctx context.Context) ([]*Finding, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Finding), args.Error(1)
}

func (m *MockRepository) UpdateFindingCheckVersion(ctx context.Context, finding Finding) error {
	args := m.Called(ctx, finding)
	return args.Error(0)
}

func (m *MockRepository) CreateReviewer(ctx context.Context, reviewer ReviewerProfile) error {
	args := m.Called(ctx, reviewer)
	return args.Error(0)
}

func (m *MockRepository) GetAvailableReviewers(ctx context.Context) ([]*ReviewerProfile, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ReviewerProfile), args.Error(1)
}

func (m *MockRepository) GetActiveAssignedWeights(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]float64), args.Error(1)
}

func (m *MockRepository) GetOpenAssignmentCounts(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

func (m *MockRepository) CreateAssignment(ctx context.Context, assignment Assignment) (string, error) {
	args := m.Called(ctx, assignment)
	return args.String(0), args.Error(1)
}

func (m *MockRepository) GetOpenAssignmentByFindingID(ctx context.Context, findingID string) (*Assignment, error) {
	args := m.Called(ctx, findingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Assignment), args.Error(1)
}

func (m *MockRepository) GetOpenAssignmentsPastDue(ctx context.Context, asOf time.Time) ([]*Assignment, error) {
	args := m.Called(ctx, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Assignment), args.Error(1)
}

func (m *MockRepository) UpdateAssignmentStatus(ctx context.Context, assignmentID string, current, new AssignmentStatus) error {
	args := m.Called(ctx, assignmentID, current, new)
	return args.Error(0)
}

func (m *MockRepository) MarkAssignmentItemResolved(ctx context.Context, assignmentID, findingID string) error {
	args := m.Called(ctx, assignmentID, findingID)
	return args.Error(0)
}

func (m *MockRepository) OpenItemCount(ctx context.Context, assignmentID string) (int, error) {
	args := m.Called(ctx, assignmentID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) RemoveAssignmentItem(ctx context.Context, assignmentID, findingID string) error {
	args := m.Called(ctx, assignmentID, findingID)
	return args.Error(0)
}

func (m *MockRepository) CreateTraceEvent(ctx context.Context, event TraceEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockRepository) GetTraceEvents(ctx context.Context, claimID string) ([]*TraceEvent, error) {
	args := m.Called(ctx, claimID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*TraceEvent), args.Error(1)
}

// InTx invokes fn against the mock itself so expectations set on the mock
// cover transactional work too.
func (m *MockRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	args := m.Called(ctx, fn)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}

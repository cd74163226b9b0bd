package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/veritashealth/crp-app/crp/models"
)

type RepositoryTestSuite struct {
	suite.Suite
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

func newMock(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewRepository(db), mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func exactQuery(query string) string {
	return fmt.Sprintf("^%s$", regexp.QuoteMeta(query))
}

var claimColumns = []string{"id", "provider_id", "billed_amount", "service_date", "submitted_at",
	"legal_deadline", "status", "service_category", "complexity_tier", "priority_tier",
	"version", "created_at", "updated_at"}

func claimRow(claim models.Claim) *sqlmock.Rows {
	return sqlmock.NewRows(claimColumns).AddRow(
		claim.ID, claim.ProviderID, claim.BilledAmount, claim.ServiceDate, claim.SubmittedAt,
		claim.LegalDeadline, claim.Status, claim.ServiceCategory, claim.ComplexityTier,
		claim.PriorityTier, claim.Version, claim.CreatedAt, claim.UpdatedAt)
}

func (r *RepositoryTestSuite) TestGetClaimByID() {
	repository, mock, done := newMock(r.T())
	defer done()

	now := time.Now().Round(time.Millisecond).UTC()
	claim := models.Claim{
		ID: "claim-1", ProviderID: "prov-1", BilledAmount: 1500,
		ServiceDate: now.AddDate(0, 0, -30), SubmittedAt: now.AddDate(0, 0, -10),
		LegalDeadline: now.AddDate(0, 0, 10), Status: models.ClaimStatusValidated,
		ServiceCategory: models.CategoryAmbulatory, ComplexityTier: models.TierLow,
		PriorityTier: models.TierLow, Version: 1, CreatedAt: now, UpdatedAt: now,
	}

	query := `SELECT id, provider_id, billed_amount, service_date, submitted_at, legal_deadline, status, service_category, complexity_tier, priority_tier, version, created_at, updated_at FROM claims WHERE id = $1`
	mock.ExpectQuery(exactQuery(query)).WithArgs("claim-1").WillReturnRows(claimRow(claim))

	result, err := repository.GetClaimByID(context.Background(), "claim-1")
	assert.NoError(r.T(), err)
	assert.Equal(r.T(), &claim, result)

	mock.ExpectQuery(exactQuery(query)).WithArgs("claim-9").WillReturnError(sql.ErrNoRows)
	_, err = repository.GetClaimByID(context.Background(), "claim-9")
	assert.EqualError(r.T(), err, "no claim found for given id")
}

func (r *RepositoryTestSuite) TestUpdateClaimStatusCheckVersion() {
	repository, mock, done := newMock(r.T())
	defer done()

	query := `UPDATE claims SET status = $1, version = version + 1, updated_at = $2 WHERE id = $3 AND status = $4 AND version = $5`

	mock.ExpectExec(exactQuery(query)).
		WithArgs(string(models.ClaimStatusDeductionPending), sqlmock.AnyArg(),
			"claim-1", string(models.ClaimStatusValidated), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(r.T(), repository.UpdateClaimStatusCheckVersion(context.Background(),
		"claim-1", models.ClaimStatusValidated, models.ClaimStatusDeductionPending, 3))

	// A stale status or version matches no row and surfaces the sentinel
	mock.ExpectExec(exactQuery(query)).
		WithArgs(string(models.ClaimStatusDeductionPending), sqlmock.AnyArg(),
			"claim-1", string(models.ClaimStatusValidated), 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repository.UpdateClaimStatusCheckVersion(context.Background(),
		"claim-1", models.ClaimStatusValidated, models.ClaimStatusDeductionPending, 2)
	assert.True(r.T(), errors.Is(err, models.ErrClaimNotUpdated))
}

func (r *RepositoryTestSuite) TestGetDuplicateClaimID() {
	repository, mock, done := newMock(r.T())
	defer done()

	claim := models.Claim{
		ID: "claim-2", ProviderID: "prov-1", BilledAmount: 900,
		ServiceDate: time.Now().AddDate(0, 0, -20), SubmittedAt: time.Now(),
	}
	query := `SELECT id FROM claims WHERE provider_id = $1 AND billed_amount = $2 AND service_date = $3 AND id <> $4 AND submitted_at < $5 ORDER BY submitted_at LIMIT 1`

	mock.ExpectQuery(exactQuery(query)).
		WithArgs(claim.ProviderID, claim.BilledAmount, claim.ServiceDate, claim.ID, claim.SubmittedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("claim-1"))
	id, err := repository.GetDuplicateClaimID(context.Background(), claim)
	assert.NoError(r.T(), err)
	assert.Equal(r.T(), "claim-1", id)

	mock.ExpectQuery(exactQuery(query)).
		WithArgs(claim.ProviderID, claim.BilledAmount, claim.ServiceDate, claim.ID, claim.SubmittedAt).
		WillReturnError(sql.ErrNoRows)
	id, err = repository.GetDuplicateClaimID(context.Background(), claim)
	assert.NoError(r.T(), err)
	assert.Equal(r.T(), "", id)
}

func (r *RepositoryTestSuite) TestGetServiceSummary() {
	repository, mock, done := newMock(r.T())
	defer done()

	query := `SELECT line_count, patient_count, inpatient_lines, emergency_lines, total_value FROM service_summaries WHERE claim_id = $1`

	mock.ExpectQuery(exactQuery(query)).WithArgs("claim-1").
		WillReturnRows(sqlmock.NewRows([]string{"line_count", "patient_count", "inpatient_lines", "emergency_lines", "total_value"}).
			AddRow(7, 2, 1, 0, 52000.0))
	summary, err := repository.GetServiceSummary(context.Background(), "claim-1")
	assert.NoError(r.T(), err)
	assert.Equal(r.T(), &models.ServiceSummary{LineCount: 7, PatientCount: 2, InpatientLines: 1, TotalValue: 52000}, summary)

	// An absent statistics block is not an error
	mock.ExpectQuery(exactQuery(query)).WithArgs("claim-2").WillReturnError(sql.ErrNoRows)
	summary, err = repository.GetServiceSummary(context.Background(), "claim-2")
	assert.NoError(r.T(), err)
	assert.Nil(r.T(), summary)
}

func (r *RepositoryTestSuite) TestCreateFindings() {
	repository, mock, done := newMock(r.T())
	defer done()

	mock.ExpectExec("^INSERT INTO findings").
		WillReturnResult(sqlmock.NewResult(0, 2))

	findings := []models.Finding{
		{ID: "finding-1", ClaimID: "claim-1", RuleCode: "LN02", Kind: models.FindingKindDeduction,
			Status: models.FindingStatusPending},
		{ID: "finding-2", ClaimID: "claim-1", RuleCode: "LN04", Kind: models.FindingKindDeduction,
			Status: models.FindingStatusPending},
	}
	assert.NoError(r.T(), repository.CreateFindings(context.Background(), findings...))

	// No findings means no statement at all
	assert.NoError(r.T(), repository.CreateFindings(context.Background()))
}

func (r *RepositoryTestSuite) TestUpdateAssignmentStatus() {
	repository, mock, done := newMock(r.T())
	defer done()

	query := `UPDATE assignments SET status = $1 WHERE id = $2 AND status = $3`

	mock.ExpectExec(exactQuery(query)).
		WithArgs(string(models.AssignmentStatusExpired), "assignment-1", string(models.AssignmentStatusOpen)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(r.T(), repository.UpdateAssignmentStatus(context.Background(),
		"assignment-1", models.AssignmentStatusOpen, models.AssignmentStatusExpired))

	mock.ExpectExec(exactQuery(query)).
		WithArgs(string(models.AssignmentStatusExpired), "assignment-1", string(models.AssignmentStatusOpen)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repository.UpdateAssignmentStatus(context.Background(),
		"assignment-1", models.AssignmentStatusOpen, models.AssignmentStatusExpired)
	assert.True(r.T(), errors.Is(err, models.ErrAssignmentNotUpdated))
}

func (r *RepositoryTestSuite) TestCreateAssignment() {
	repository, mock, done := newMock(r.T())
	defer done()

	now := time.Now().UTC()
	assignment := models.Assignment{
		ReviewerID: "rev-1", Status: models.AssignmentStatusOpen, ItemCount: 1,
		TotalValue: 500, DueDate: now.AddDate(0, 0, 7), CreatedAt: now,
		Items: []models.AssignmentItem{
			{Kind: models.ItemKindFinding, FindingID: "finding-1", ClaimID: "claim-1", Weight: 1.1},
		},
	}

	mock.ExpectQuery("^INSERT INTO assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("assignment-1"))
	mock.ExpectExec("^INSERT INTO assignment_items").
		WithArgs("assignment-1", string(models.ItemKindFinding), "finding-1", "claim-1", 1.1, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repository.CreateAssignment(context.Background(), assignment)
	assert.NoError(r.T(), err)
	assert.Equal(r.T(), "assignment-1", id)
}

func (r *RepositoryTestSuite) TestOpenItemCount() {
	repository, mock, done := newMock(r.T())
	defer done()

	query := `SELECT COUNT(*) FROM assignment_items WHERE assignment_id = $1 AND resolved = $2`
	mock.ExpectQuery(exactQuery(query)).WithArgs("assignment-1", false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repository.OpenItemCount(context.Background(), "assignment-1")
	assert.NoError(r.T(), err)
	assert.Equal(r.T(), 3, count)
}

func (r *RepositoryTestSuite) TestGetActiveAssignedWeights() {
	repository, mock, done := newMock(r.T())
	defer done()

	mock.ExpectQuery("^SELECT a.reviewer_id, COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"reviewer_id", "coalesce"}).
			AddRow("rev-1", 4.5).AddRow("rev-2", 1.0))

	weights, err := repository.GetActiveAssignedWeights(context.Background())
	assert.NoError(r.T(), err)
	assert.Equal(r.T(), map[string]float64{"rev-1": 4.5, "rev-2": 1.0}, weights)
}

func (r *RepositoryTestSuite) TestInTx() {
	repository, mock, done := newMock(r.T())
	defer done()

	r.T().Run("Commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("^INSERT INTO trace_events").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := repository.InTx(context.Background(), func(txRepo models.Repository) error {
			return txRepo.CreateTraceEvent(context.Background(), models.TraceEvent{
				ClaimID: "claim-1", Kind: models.EventClaimTransitioned,
				Actor: "tester", Timestamp: time.Now().UTC(), Payload: []byte(`{}`),
			})
		})
		assert.NoError(t, err)
	})

	r.T().Run("RollbackOnError", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("^INSERT INTO trace_events").WillReturnError(errors.New("boom"))
		mock.ExpectRollback()

		err := repository.InTx(context.Background(), func(txRepo models.Repository) error {
			return txRepo.CreateTraceEvent(context.Background(), models.TraceEvent{
				ClaimID: "claim-1", Kind: models.EventClaimTransitioned,
				Actor: "tester", Timestamp: time.Now().UTC(), Payload: []byte(`{}`),
			})
		})
		assert.EqualError(t, err, "boom")
	})
}

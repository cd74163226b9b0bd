package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/huandu/go-sqlbuilder"

	"github.com/veritashealth/crp-app/crp/models"
)

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type executable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	sqlFlavor = sqlbuilder.PostgreSQL
)

// Ensure Repository satisfies the interface
var _ models.Repository = &Repository{}

type Repository struct {
	queryable
	executable

	// db is retained for InTx; nil on a tx-bound repository.
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db, db, db}
}

func NewRepositoryTx(tx *sql.Tx) *Repository {
	return &Repository{tx, tx, nil}
}

// InTx runs fn against a repository bound to a single transaction. Calling
// InTx on a repository that is already transaction-bound reuses the open
// transaction.
func (r *Repository) InTx(ctx context.Context, fn func(models.Repository) error) error {
	if r.db == nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(NewRepositoryTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return rbErr
		}
		return err
	}

	return tx.Commit()
}

const claimCols = "id, provider_id, billed_amount, service_date, submitted_at, legal_deadline, " +
	"status, service_category, complexity_tier, priority_tier, version, created_at, updated_at"

func (r *Repository) GetClaimByID(ctx context.Context, claimID string) (*models.Claim, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(claimCols).From("claims")
	sb.Where(sb.Equal("id", claimID))

	query, args := sb.Build()
	claim, err := scanClaim(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrClaimNotFound
		}
		return nil, err
	}

	return claim, nil
}

func (r *Repository) GetClaimsByStatus(ctx context.Context, statuses ...models.ClaimStatus) ([]*models.Claim, error) {
	vals := make([]interface{}, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}

	sb := sqlFlavor.NewSelectBuilder().Select(claimCols).From("claims")
	sb.Where(sb.In("status", vals...)).OrderBy("submitted_at")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*models.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return claims, nil
}

func (r *Repository) UpdateClaimClassification(ctx context.Context, claim models.Claim) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("claims")
	ub.Set(
		ub.Assign("service_category", string(claim.ServiceCategory)),
		ub.Assign("complexity_tier", string(claim.ComplexityTier)),
		ub.Assign("priority_tier", string(claim.PriorityTier)),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", claim.ID))

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrClaimNotFound
	}

	return nil
}

func (r *Repository) UpdateClaimStatusCheckVersion(ctx context.Context, claimID string, current, new models.ClaimStatus, version int) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("claims")
	ub.Set(
		ub.Assign("status", string(new)),
		ub.Incr("version"),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("id", claimID),
		ub.Equal("status", string(current)),
		ub.Equal("version", version),
	)

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrClaimNotUpdated
	}

	return nil
}

func (r *Repository) GetDuplicateClaimID(ctx context.Context, claim models.Claim) (string, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("id").From("claims")
	sb.Where(
		sb.Equal("provider_id", claim.ProviderID),
		sb.Equal("billed_amount", claim.BilledAmount),
		sb.Equal("service_date", claim.ServiceDate),
		sb.NotEqual("id", claim.ID),
		sb.LessThan("submitted_at", claim.SubmittedAt),
	)
	sb.OrderBy("submitted_at").Limit(1)

	query, args := sb.Build()
	var id string
	if err := r.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}

	return id, nil
}

func (r *Repository) GetServiceLines(ctx context.Context, claimID string) ([]*models.ServiceLine, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("id", "claim_id", "service_code", "description", "quantity", "unit_amount",
		"billed_amount", "requires_authorization", "authorization_code",
		"support_docs_attached", "inpatient_indicator", "emergency_indicator")
	sb.From("service_lines").Where(sb.Equal("claim_id", claimID)).OrderBy("id")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []*models.ServiceLine
	for rows.Next() {
		var line models.ServiceLine
		if err := rows.Scan(&line.ID, &line.ClaimID, &line.ServiceCode, &line.Description,
			&line.Quantity, &line.UnitAmount, &line.BilledAmount, &line.RequiresAuthorization,
			&line.AuthorizationCode, &line.SupportDocsAttached, &line.InpatientIndicator,
			&line.EmergencyIndicator); err != nil {
			return nil, err
		}
		lines = append(lines, &line)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

func (r *Repository) GetServiceSummary(ctx context.Context, claimID string) (*models.ServiceSummary, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("line_count", "patient_count", "inpatient_lines", "emergency_lines", "total_value")
	sb.From("service_summaries").Where(sb.Equal("claim_id", claimID))

	query, args := sb.Build()
	var summary models.ServiceSummary
	err := r.QueryRowContext(ctx, query, args...).Scan(&summary.LineCount, &summary.PatientCount,
		&summary.InpatientLines, &summary.EmergencyLines, &summary.TotalValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &summary, nil
}

func (r *Repository) CreateFindings(ctx context.Context, findings ...models.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto("findings").
		Cols("id", "claim_id", "line_id", "rule_code", "kind", "category",
			"suggested_amount", "required_role", "priority", "status", "version", "created_at")
	for _, f := range findings {
		ib.Values(f.ID, f.ClaimID, f.LineID, f.RuleCode, string(f.Kind), f.Category,
			f.SuggestedAmount, string(f.RequiredRole), string(f.Priority), string(f.Status),
			f.Version, f.CreatedAt)
	}

	query, args := ib.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

const findingCols = "id, claim_id, line_id, rule_code, kind, category, suggested_amount, " +
	"required_role, priority, status, resolver_id, final_amount, final_code, version, created_at, updated_at"

func (r *Repository) GetFindingByID(ctx context.Context, findingID string) (*models.Finding, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(findingCols).From("findings")
	sb.Where(sb.Equal("id", findingID))

	query, args := sb.Build()
	finding, err := scanFinding(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrFindingNotFound
		}
		return nil, err
	}

	return finding, nil
}

func (r *Repository) GetFindingsByClaimID(ctx context.Context, claimID string) ([]*models.Finding, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(findingCols).From("findings")
	sb.Where(sb.Equal("claim_id", claimID)).OrderBy("id")

	query, args := sb.Build()
	return r.queryFindings(ctx, query, args)
}

func (r *Repository) GetUnassignedPendingFindings(ctx context.Context) ([]*models.Finding, error) {
	// A finding is distributable when pending, of deduction kind and not
	// linked to any open assignment.
	subSB := sqlFlavor.NewSelectBuilder()
	subSB.Select("ai.finding_id").From("assignment_items ai").
		Join("assignments a", "a.id = ai.assignment_id").
		Where(subSB.Equal("a.status", string(models.AssignmentStatusOpen)))

	sb := sqlFlavor.NewSelectBuilder().Select(findingCols).From("findings")
	sb.Where(
		sb.Equal("status", string(models.FindingStatusPending)),
		sb.Equal("kind", string(models.FindingKindDeduction)),
		sb.NotIn("id", subSB),
	)
	sb.OrderBy("id")

	query, args := sb.Build()
	return r.queryFindings(ctx, query, args)
}

func (r *Repository) queryFindings(ctx context.Context, query string, args []interface{}) ([]*models.Finding, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*models.Finding
	for rows.Next() {
		finding, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, finding)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return findings, nil
}

func (r *Repository) UpdateFindingCheckVersion(ctx context.Context, finding models.Finding) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("findings")
	ub.Set(
		ub.Assign("status", string(finding.Status)),
		ub.Assign("required_role", string(finding.RequiredRole)),
		ub.Assign("resolver_id", finding.ResolverID),
		ub.Assign("final_amount", finding.FinalAmount),
		ub.Assign("final_code", finding.FinalCode),
		ub.Incr("version"),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("id", finding.ID),
		ub.Equal("version", finding.Version),
	)

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrFindingNotUpdated
	}

	return nil
}

func (r *Repository) CreateReviewer(ctx context.Context, reviewer models.ReviewerProfile) error {
	ib := sqlFlavor.NewInsertBuilder().InsertInto("reviewers").
		Cols("id", "name", "role", "specialization", "daily_capacity", "available").
		Values(reviewer.ID, reviewer.Name, string(reviewer.Role), reviewer.Specialization,
			reviewer.DailyCapacity, reviewer.Available)

	query, args := ib.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) GetAvailableReviewers(ctx context.Context) ([]*models.ReviewerProfile, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("id", "name", "role", "specialization", "daily_capacity", "available")
	sb.From("reviewers").Where(sb.Equal("available", true)).OrderBy("id")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviewers []*models.ReviewerProfile
	for rows.Next() {
		var rev models.ReviewerProfile
		if err := rows.Scan(&rev.ID, &rev.Name, &rev.Role, &rev.Specialization,
			&rev.DailyCapacity, &rev.Available); err != nil {
			return nil, err
		}
		reviewers = append(reviewers, &rev)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return reviewers, nil
}

func (r *Repository) GetActiveAssignedWeights(ctx context.Context) (map[string]float64, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("a.reviewer_id", "COALESCE(SUM(ai.weight), 0)")
	sb.From("assignments a").Join("assignment_items ai", "ai.assignment_id = a.id")
	sb.Where(
		sb.Equal("a.status", string(models.AssignmentStatusOpen)),
		sb.Equal("ai.resolved", false),
	)
	sb.GroupBy("a.reviewer_id")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var reviewerID string
		var weight float64
		if err := rows.Scan(&reviewerID, &weight); err != nil {
			return nil, err
		}
		weights[reviewerID] = weight
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return weights, nil
}

func (r *Repository) GetOpenAssignmentCounts(ctx context.Context) (map[string]int, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("reviewer_id", "COUNT(*)")
	sb.From("assignments")
	sb.Where(sb.Equal("status", string(models.AssignmentStatusOpen)))
	sb.GroupBy("reviewer_id")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reviewerID string
		var count int
		if err := rows.Scan(&reviewerID, &count); err != nil {
			return nil, err
		}
		counts[reviewerID] = count
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

func (r *Repository) CreateAssignment(ctx context.Context, assignment models.Assignment) (string, error) {
	query, args := sqlbuilder.Buildf(`INSERT INTO assignments
		(reviewer_id, status, item_count, total_value, due_date, created_at) VALUES
		(%s, %s, %s, %s, %s, %s) RETURNING id`,
		assignment.ReviewerID, string(assignment.Status), assignment.ItemCount,
		assignment.TotalValue, assignment.DueDate, assignment.CreatedAt).
		BuildWithFlavor(sqlFlavor)

	var id string
	if err := r.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return "", err
	}

	if len(assignment.Items) == 0 {
		return id, nil
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto("assignment_items").
		Cols("assignment_id", "kind", "finding_id", "claim_id", "weight", "resolved")
	for _, item := range assignment.Items {
		ib.Values(id, string(item.Kind), item.FindingID, item.ClaimID, item.Weight, item.Resolved)
	}

	itemQuery, itemArgs := ib.Build()
	if _, err := r.ExecContext(ctx, itemQuery, itemArgs...); err != nil {
		return "", err
	}

	return id, nil
}

const assignmentCols = "id, reviewer_id, status, item_count, total_value, due_date, created_at"

func (r *Repository) GetOpenAssignmentByFindingID(ctx context.Context, findingID string) (*models.Assignment, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("a.id", "a.reviewer_id", "a.status", "a.item_count", "a.total_value", "a.due_date", "a.created_at")
	sb.From("assignments a").Join("assignment_items ai", "ai.assignment_id = a.id")
	sb.Where(
		sb.Equal("ai.finding_id", findingID),
		sb.Equal("a.status", string(models.AssignmentStatusOpen)),
	)

	query, args := sb.Build()
	assignment, err := scanAssignment(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return assignment, nil
}

func (r *Repository) GetOpenAssignmentsPastDue(ctx context.Context, asOf time.Time) ([]*models.Assignment, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(assignmentCols).From("assignments")
	sb.Where(
		sb.Equal("status", string(models.AssignmentStatusOpen)),
		sb.LessThan("due_date", asOf),
	)
	sb.OrderBy("due_date")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []*models.Assignment
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range assignments {
		items, err := r.getAssignmentItems(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		a.Items = items
	}

	return assignments, nil
}

func (r *Repository) getAssignmentItems(ctx context.Context, assignmentID string) ([]models.AssignmentItem, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("assignment_id", "kind", "finding_id", "claim_id", "weight", "resolved")
	sb.From("assignment_items").Where(sb.Equal("assignment_id", assignmentID))

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.AssignmentItem
	for rows.Next() {
		var item models.AssignmentItem
		if err := rows.Scan(&item.AssignmentID, &item.Kind, &item.FindingID, &item.ClaimID,
			&item.Weight, &item.Resolved); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *Repository) UpdateAssignmentStatus(ctx context.Context, assignmentID string, current, new models.AssignmentStatus) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("assignments")
	ub.Set(ub.Assign("status", string(new)))
	ub.Where(
		ub.Equal("id", assignmentID),
		ub.Equal("status", string(current)),
	)

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrAssignmentNotUpdated
	}

	return nil
}

func (r *Repository) MarkAssignmentItemResolved(ctx context.Context, assignmentID, findingID string) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("assignment_items")
	ub.Set(ub.Assign("resolved", true))
	ub.Where(
		ub.Equal("assignment_id", assignmentID),
		ub.Equal("finding_id", findingID),
		ub.Equal("resolved", false),
	)

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrAssignmentNotUpdated
	}

	return nil
}

func (r *Repository) OpenItemCount(ctx context.Context, assignmentID string) (int, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(*)").From("assignment_items")
	sb.Where(
		sb.Equal("assignment_id", assignmentID),
		sb.Equal("resolved", false),
	)

	query, args := sb.Build()
	var count int
	if err := r.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (r *Repository) RemoveAssignmentItem(ctx context.Context, assignmentID, findingID string) error {
	delb := sqlFlavor.NewDeleteBuilder().DeleteFrom("assignment_items")
	delb.Where(
		delb.Equal("assignment_id", assignmentID),
		delb.Equal("finding_id", findingID),
	)

	query, args := delb.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrAssignmentNotUpdated
	}

	return nil
}

func (r *Repository) CreateTraceEvent(ctx context.Context, event models.TraceEvent) error {
	ib := sqlFlavor.NewInsertBuilder().InsertInto("trace_events").
		Cols("claim_id", "kind", "actor", "timestamp", "payload").
		Values(event.ClaimID, event.Kind, event.Actor, event.Timestamp, []byte(event.Payload))

	query, args := ib.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) GetTraceEvents(ctx context.Context, claimID string) ([]*models.TraceEvent, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("id", "claim_id", "kind", "actor", "timestamp", "payload")
	sb.From("trace_events").Where(sb.Equal("claim_id", claimID)).OrderBy("id")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.TraceEvent
	for rows.Next() {
		var event models.TraceEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.ClaimID, &event.Kind, &event.Actor,
			&event.Timestamp, &payload); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, &event)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row scannable) (*models.Claim, error) {
	var claim models.Claim
	err := row.Scan(&claim.ID, &claim.ProviderID, &claim.BilledAmount, &claim.ServiceDate,
		&claim.SubmittedAt, &claim.LegalDeadline, &claim.Status, &claim.ServiceCategory,
		&claim.ComplexityTier, &claim.PriorityTier, &claim.Version, &claim.CreatedAt,
		&claim.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func scanFinding(row scannable) (*models.Finding, error) {
	var finding models.Finding
	var resolverID, finalCode sql.NullString
	var finalAmount sql.NullFloat64
	var updatedAt sql.NullTime
	err := row.Scan(&finding.ID, &finding.ClaimID, &finding.LineID, &finding.RuleCode,
		&finding.Kind, &finding.Category, &finding.SuggestedAmount, &finding.RequiredRole,
		&finding.Priority, &finding.Status, &resolverID, &finalAmount, &finalCode,
		&finding.Version, &finding.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	finding.ResolverID = resolverID.String
	finding.FinalAmount = finalAmount.Float64
	finding.FinalCode = finalCode.String
	if updatedAt.Valid {
		finding.UpdatedAt = updatedAt.Time
	}
	return &finding, nil
}

func scanAssignment(row scannable) (*models.Assignment, error) {
	var assignment models.Assignment
	err := row.Scan(&assignment.ID, &assignment.ReviewerID, &assignment.Status,
		&assignment.ItemCount, &assignment.TotalValue, &assignment.DueDate, &assignment.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// Package assignment distributes findings and whole-claim audits across
// reviewers. Distribution is serialized: its fairness decisions depend on one
// consistent projected-load view across the whole batch, so concurrent runs
// over the same reviewer pool are never allowed. The projected-load map lives
// only inside one Distribute call; reviewer profiles are never mutated.
package assignment

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	crperrors "github.com/veritashealth/crp-app/crp/errors"
	"github.com/veritashealth/crp-app/crp/models"
	"github.com/veritashealth/crp-app/crp/utils"
	"github.com/veritashealth/crp-app/log"
)

type Config struct {
	DefaultDailyCapacity float64
	DueDateOffsetDays    int
	LineCountFactorCap   float64
}

func LoadConfig() Config {
	return Config{
		DefaultDailyCapacity: utils.GetEnvFloat("CRP_DEFAULT_DAILY_CAPACITY", 10),
		DueDateOffsetDays:    utils.GetEnvInt("CRP_ASSIGNMENT_DUE_OFFSET_DAYS", 5),
		LineCountFactorCap:   utils.GetEnvFloat("CRP_LINE_COUNT_FACTOR_CAP", 3),
	}
}

// Item is one unit of distributable work: a deduction finding or a
// whole-claim audit.
type Item struct {
	Kind           models.AssignmentItemKind
	Finding        *models.Finding
	Claim          *models.Claim
	Priority       models.Tier
	Complexity     models.Tier
	Amount         float64
	LineCount      int
	RequiredRole   models.ReviewerRole
	Specialization string
	// InpatientAudit restricts a whole-claim audit to clinical reviewers.
	InpatientAudit bool
}

func (i Item) ID() string {
	if i.Kind == models.ItemKindFinding {
		return i.Finding.ID
	}
	return i.Claim.ID
}

func (i Item) claimID() string {
	if i.Kind == models.ItemKindFinding {
		return i.Finding.ClaimID
	}
	return i.Claim.ID
}

// Weight is a simplified effort proxy, not wall-clock time: complexity weight
// times a capped line-count factor.
func (i Item) Weight(factorCap float64) float64 {
	factor := 1 + float64(i.LineCount)/10
	if factor > factorCap {
		factor = factorCap
	}
	return float64(i.Complexity.Weight()) * factor
}

// Result is the outcome of one distribution run. Unassigned items are
// surfaced, never dropped; the balance score is observability only.
type Result struct {
	Assignments  []models.Assignment
	Unassigned   []*crperrors.NoEligibleReviewer
	BalanceScore float64
}

type Engine struct {
	repo   models.Repository
	cfg    Config
	logger logrus.FieldLogger

	// Serializes distribution runs so two runs never both believe the same
	// reviewer has spare capacity.
	mu sync.Mutex

	now func() time.Time
}

func New(repo models.Repository, cfg Config) *Engine {
	return &Engine{
		repo:   repo,
		cfg:    cfg,
		logger: log.Assignment,
		now:    time.Now,
	}
}

// Distribute routes every eligible item to exactly one reviewer, persists one
// aggregated assignment per reviewer and returns the run result.
func (e *Engine) Distribute(ctx context.Context, items []Item, reviewers []models.ReviewerProfile) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Fresh load view at run start; never from a cache.
	activeWeights, err := e.repo.GetActiveAssignedWeights(ctx)
	if err != nil {
		return Result{}, err
	}
	openCounts, err := e.repo.GetOpenAssignmentCounts(ctx)
	if err != nil {
		return Result{}, err
	}

	pool := make([]models.ReviewerProfile, 0, len(reviewers))
	for _, r := range reviewers {
		if r.Available {
			pool = append(pool, r)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	projected := make(map[string]float64, len(pool))
	for _, r := range pool {
		projected[r.ID] = activeWeights[r.ID]
	}

	sortItems(items)

	var result Result
	routed := make(map[string][]routedItem)

	for _, item := range items {
		picked, ok := e.pick(item, pool, projected, openCounts)
		if !ok {
			miss := &crperrors.NoEligibleReviewer{ItemID: item.ID(), Role: item.RequiredRole}
			result.Unassigned = append(result.Unassigned, miss)
			e.logger.WithFields(logrus.Fields{"item": item.ID(), "role": item.RequiredRole}).
				Warn(miss.Error())
			continue
		}

		weight := item.Weight(e.cfg.LineCountFactorCap)
		projected[picked.ID] += weight
		routed[picked.ID] = append(routed[picked.ID], routedItem{item: item, weight: weight})
	}

	dueDate := utils.AddBusinessDays(e.now().UTC(), e.cfg.DueDateOffsetDays)
	for _, r := range pool {
		bundle := routed[r.ID]
		if len(bundle) == 0 {
			continue
		}
		assignment, err := e.persistAssignment(ctx, r, bundle, dueDate)
		if err != nil {
			return Result{}, err
		}
		result.Assignments = append(result.Assignments, assignment)
	}

	result.BalanceScore = balanceScore(pool, projected, e.capacityOf)
	e.logger.WithFields(logrus.Fields{
		"items":       len(items),
		"assignments": len(result.Assignments),
		"unassigned":  len(result.Unassigned),
		"balance":     result.BalanceScore,
	}).Info("distribution run complete")

	return result, nil
}

type routedItem struct {
	item   Item
	weight float64
}

// pick selects the eligible reviewer with the lowest projected load fraction.
// Ties break on matching specialization, then fewer open assignments, then
// smallest id.
func (e *Engine) pick(item Item, pool []models.ReviewerProfile, projected map[string]float64, openCounts map[string]int) (models.ReviewerProfile, bool) {
	var best models.ReviewerProfile
	var bestFraction float64
	found := false

	for _, r := range pool {
		if !e.eligible(item, r) {
			continue
		}
		fraction := projected[r.ID] / e.capacityOf(r)
		if !found {
			best, bestFraction, found = r, fraction, true
			continue
		}
		if fraction < bestFraction {
			best, bestFraction = r, fraction
			continue
		}
		if fraction == bestFraction && tieBreakWins(item, r, best, openCounts) {
			best = r
		}
	}

	return best, found
}

func (e *Engine) eligible(item Item, r models.ReviewerProfile) bool {
	if item.Kind == models.ItemKindClaimAudit {
		// Inpatient audits go only to clinical reviewers; ambulatory audits
		// to either pool.
		if item.InpatientAudit {
			return r.Role == models.RoleClinical
		}
		return true
	}
	return r.Role == item.RequiredRole
}

func tieBreakWins(item Item, candidate, current models.ReviewerProfile, openCounts map[string]int) bool {
	candidateSpec := candidate.Specialization != "" && candidate.Specialization == item.Specialization
	currentSpec := current.Specialization != "" && current.Specialization == item.Specialization
	if candidateSpec != currentSpec {
		return candidateSpec
	}
	if openCounts[candidate.ID] != openCounts[current.ID] {
		return openCounts[candidate.ID] < openCounts[current.ID]
	}
	return candidate.ID < current.ID
}

func (e *Engine) capacityOf(r models.ReviewerProfile) float64 {
	if r.DailyCapacity > 0 {
		return r.DailyCapacity
	}
	return e.cfg.DefaultDailyCapacity
}

func (e *Engine) persistAssignment(ctx context.Context, r models.ReviewerProfile, bundle []routedItem, dueDate time.Time) (models.Assignment, error) {
	assignment := models.Assignment{
		ReviewerID: r.ID,
		Status:     models.AssignmentStatusOpen,
		ItemCount:  len(bundle),
		DueDate:    dueDate,
		CreatedAt:  e.now().UTC(),
	}

	claims := make(map[string]bool)
	for _, ri := range bundle {
		assignment.TotalValue += ri.item.Amount
		link := models.AssignmentItem{
			Kind:   ri.item.Kind,
			Weight: ri.weight,
		}
		if ri.item.Kind == models.ItemKindFinding {
			link.FindingID = ri.item.Finding.ID
		}
		link.ClaimID = ri.item.claimID()
		claims[link.ClaimID] = true
		assignment.Items = append(assignment.Items, link)
	}

	id, err := e.repo.CreateAssignment(ctx, assignment)
	if err != nil {
		return models.Assignment{}, err
	}
	assignment.ID = id
	for i := range assignment.Items {
		assignment.Items[i].AssignmentID = id
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"assignment_id": id,
		"reviewer_id":   r.ID,
		"item_count":    assignment.ItemCount,
		"total_value":   assignment.TotalValue,
		"due_date":      assignment.DueDate,
	})
	for claimID := range claims {
		event := models.TraceEvent{
			ClaimID:   claimID,
			Kind:      models.EventAssignmentCreated,
			Actor:     "assignment-engine",
			Timestamp: e.now().UTC(),
			Payload:   payload,
		}
		if err := e.repo.CreateTraceEvent(ctx, event); err != nil {
			return models.Assignment{}, err
		}
	}

	return assignment, nil
}

// Reclaim marks open assignments past their due date as expired. Their items
// lose the open-assignment link and re-enter the next distribution run.
func (e *Engine) Reclaim(ctx context.Context, asOf time.Time) ([]*models.Assignment, error) {
	expired, err := e.repo.GetOpenAssignmentsPastDue(ctx, asOf)
	if err != nil {
		return nil, err
	}

	var reclaimed []*models.Assignment
	for _, a := range expired {
		err := e.repo.UpdateAssignmentStatus(ctx, a.ID, models.AssignmentStatusOpen, models.AssignmentStatusExpired)
		if err != nil {
			if err == models.ErrAssignmentNotUpdated {
				// Raced with completion; nothing to reclaim.
				continue
			}
			return reclaimed, err
		}

		payload, _ := json.Marshal(map[string]interface{}{"assignment_id": a.ID, "reviewer_id": a.ReviewerID})
		claims := make(map[string]bool)
		for _, item := range a.Items {
			claims[item.ClaimID] = true
		}
		for claimID := range claims {
			event := models.TraceEvent{
				ClaimID:   claimID,
				Kind:      models.EventAssignmentExpired,
				Actor:     "assignment-engine",
				Timestamp: e.now().UTC(),
				Payload:   payload,
			}
			if err := e.repo.CreateTraceEvent(ctx, event); err != nil {
				return reclaimed, err
			}
		}

		a.Status = models.AssignmentStatusExpired
		reclaimed = append(reclaimed, a)
		e.logger.WithFields(logrus.Fields{"assignment": a.ID, "reviewer": a.ReviewerID}).
			Info("assignment expired and reclaimed")
	}

	return reclaimed, nil
}

// sortItems orders high-priority, high-complexity, high-value work first so
// it is placed before capacity saturates. Item id is the deterministic
// fallback.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority.Weight() != items[j].Priority.Weight() {
			return items[i].Priority.Weight() > items[j].Priority.Weight()
		}
		if items[i].Complexity.Weight() != items[j].Complexity.Weight() {
			return items[i].Complexity.Weight() > items[j].Complexity.Weight()
		}
		if items[i].Amount != items[j].Amount {
			return items[i].Amount > items[j].Amount
		}
		return items[i].ID() < items[j].ID()
	})
}

func balanceScore(pool []models.ReviewerProfile, projected map[string]float64, capacity func(models.ReviewerProfile) float64) float64 {
	if len(pool) == 0 {
		return 0
	}

	loads := make([]float64, 0, len(pool))
	var sum float64
	for _, r := range pool {
		load := projected[r.ID] / capacity(r)
		loads = append(loads, load)
		sum += load
	}
	mean := sum / float64(len(loads))

	var variance float64
	for _, l := range loads {
		variance += (l - mean) * (l - mean)
	}
	variance /= float64(len(loads))

	return 1 - variance/(mean+1)
}

package counting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/stockmove"
)

// ReconciliationStatus represents the lifecycle of a reconciliation batch.
type ReconciliationStatus string

const (
	ReconStatusDraft      ReconciliationStatus = "draft"
	ReconStatusInProgress ReconciliationStatus = "in_progress"
	ReconStatusCompleted  ReconciliationStatus = "completed"
	ReconStatusCancelled  ReconciliationStatus = "cancelled"
)

// ReconStatusFromStore decodes a status read back from the database.
func ReconStatusFromStore(raw string) (ReconciliationStatus, error) {
	switch ReconciliationStatus(raw) {
	case ReconStatusDraft, ReconStatusInProgress, ReconStatusCompleted, ReconStatusCancelled:
		return ReconciliationStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: stored reconciliation status %q", shared.ErrDataCorruption, raw)
	}
}

// CanTransitionTo checks the reconciliation state machine.
func (s ReconciliationStatus) CanTransitionTo(next ReconciliationStatus) bool {
	switch s {
	case ReconStatusDraft:
		return next == ReconStatusInProgress || next == ReconStatusCancelled
	case ReconStatusInProgress:
		return next == ReconStatusCompleted || next == ReconStatusCancelled
	default:
		return false
	}
}

// CycleType selects how items were chosen for a reconciliation batch.
type CycleType string

const (
	CycleTypeFull     CycleType = "full"
	CycleTypeABCA     CycleType = "abc_a"
	CycleTypeABCB     CycleType = "abc_b"
	CycleTypeABCC     CycleType = "abc_c"
	CycleTypeLocation CycleType = "location"
	CycleTypeRandom   CycleType = "random"
)

// ParseCycleType validates a client supplied cycle type.
func ParseCycleType(raw string) (CycleType, error) {
	switch CycleType(raw) {
	case CycleTypeFull, CycleTypeABCA, CycleTypeABCB, CycleTypeABCC, CycleTypeLocation, CycleTypeRandom:
		return CycleType(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown cycle type %q", shared.ErrValidation, raw)
	}
}

// Reconciliation is a warehouse level count batch. Unlike a cycle count
// session it corrects product totals only, not bin levels.
type Reconciliation struct {
	ID          uuid.UUID            `json:"id" db:"id"`
	TenantID    uuid.UUID            `json:"tenant_id" db:"tenant_id"`
	WarehouseID uuid.UUID            `json:"warehouse_id" db:"warehouse_id"`
	CycleType   CycleType            `json:"cycle_type" db:"cycle_type"`
	Status      ReconciliationStatus `json:"status" db:"status"`
	Notes       *string              `json:"notes,omitempty" db:"notes"`
	ApprovedBy  *uuid.UUID           `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt  *time.Time           `json:"approved_at,omitempty" db:"approved_at"`
	CreatedBy   *uuid.UUID           `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at" db:"updated_at"`
}

// ReconciliationItem is one product in a reconciliation batch.
type ReconciliationItem struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	ReconciliationID uuid.UUID  `json:"reconciliation_id" db:"reconciliation_id"`
	TenantID         uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ProductID        uuid.UUID  `json:"product_id" db:"product_id"`
	ExpectedQuantity int64      `json:"expected_quantity" db:"expected_quantity"`
	CountedQuantity  *int64     `json:"counted_quantity,omitempty" db:"counted_quantity"`
	Difference       *int64     `json:"difference,omitempty" db:"difference"`
	CountedAt        *time.Time `json:"counted_at,omitempty" db:"counted_at"`
}

// Counted reports whether the item has a captured count.
func (i ReconciliationItem) Counted() bool { return i.CountedQuantity != nil }

// VarianceBucket aggregates items whose absolute variance percentage
// falls within one band.
type VarianceBucket struct {
	Label         string `json:"label"`
	ItemCount     int    `json:"item_count"`
	TotalVariance int64  `json:"total_variance"`
}

// VarianceAnalysis summarises accuracy across a reconciliation batch.
type VarianceAnalysis struct {
	ReconciliationID  uuid.UUID        `json:"reconciliation_id"`
	TotalItems        int              `json:"total_items"`
	CountedItems      int              `json:"counted_items"`
	ItemsWithVariance int              `json:"items_with_variance"`
	AccuracyPct       float64          `json:"accuracy_pct"`
	Buckets           []VarianceBucket `json:"buckets"`
}

// AnalyzeVariance buckets counted items by absolute variance percentage.
// Items with zero expected quantity but a nonzero count land in the
// widest bucket.
func AnalyzeVariance(reconID uuid.UUID, items []ReconciliationItem) VarianceAnalysis {
	out := VarianceAnalysis{
		ReconciliationID: reconID,
		TotalItems:       len(items),
		Buckets: []VarianceBucket{
			{Label: "0-1%"},
			{Label: "1-5%"},
			{Label: "5-10%"},
			{Label: ">10%"},
		},
	}
	for _, item := range items {
		if !item.Counted() {
			continue
		}
		out.CountedItems++
		diff := *item.CountedQuantity - item.ExpectedQuantity
		if diff != 0 {
			out.ItemsWithVariance++
		}
		idx := 3
		if item.ExpectedQuantity != 0 {
			pct := math.Abs(float64(diff)) / math.Abs(float64(item.ExpectedQuantity)) * 100
			switch {
			case pct <= 1:
				idx = 0
			case pct <= 5:
				idx = 1
			case pct <= 10:
				idx = 2
			}
		} else if diff == 0 {
			idx = 0
		}
		out.Buckets[idx].ItemCount++
		out.Buckets[idx].TotalVariance += diff
	}
	if out.CountedItems > 0 {
		out.AccuracyPct = float64(out.CountedItems-out.ItemsWithVariance) / float64(out.CountedItems) * 100
	}
	return out
}

// ErrReconciliationNotFound indicates a missing reconciliation batch.
var ErrReconciliationNotFound = fmt.Errorf("%w: stock reconciliation", shared.ErrNotFound)

// CreateReconciliationInput carries the fields needed to open a batch.
type CreateReconciliationInput struct {
	WarehouseID uuid.UUID
	CycleType   CycleType
	Notes       *string
	ProductIDs  []uuid.UUID
}

// CreateReconciliation opens a draft batch seeded with the current
// product totals for the selected products.
func (s *Service) CreateReconciliation(ctx context.Context, id shared.Identity, in CreateReconciliationInput) (Reconciliation, error) {
	if in.WarehouseID == uuid.Nil {
		return Reconciliation{}, fmt.Errorf("%w: warehouse id is required", shared.ErrValidation)
	}
	if len(in.ProductIDs) == 0 {
		return Reconciliation{}, fmt.Errorf("%w: at least one product is required", shared.ErrValidation)
	}

	now := time.Now().UTC()
	recon := Reconciliation{
		ID:          uuid.New(),
		TenantID:    id.TenantID,
		WarehouseID: in.WarehouseID,
		CycleType:   in.CycleType,
		Status:      ReconStatusDraft,
		Notes:       in.Notes,
		CreatedBy:   id.ActorRef(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertReconciliation(ctx, recon); err != nil {
			return err
		}
		for _, productID := range in.ProductIDs {
			expected, err := tx.Moves().WarehouseQuantity(ctx, id.TenantID, in.WarehouseID, productID)
			if err != nil {
				return err
			}
			item := ReconciliationItem{
				ID:               uuid.New(),
				ReconciliationID: recon.ID,
				TenantID:         id.TenantID,
				ProductID:        productID,
				ExpectedQuantity: expected,
			}
			if err := tx.InsertReconciliationItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}

	s.recordAudit(ctx, id, "reconciliation.create", recon.ID, map[string]any{
		"warehouse_id": in.WarehouseID,
		"cycle_type":   string(in.CycleType),
		"items":        len(in.ProductIDs),
	})
	return recon, nil
}

// ItemCount captures one counted quantity for a product in the batch.
type ItemCount struct {
	ProductID       uuid.UUID
	CountedQuantity int64
}

// RecordCounts stores counted quantities. A draft batch moves to
// in_progress on the first recorded count.
func (s *Service) RecordCounts(ctx context.Context, id shared.Identity, reconID uuid.UUID, counts []ItemCount) (Reconciliation, error) {
	if len(counts) == 0 {
		return Reconciliation{}, fmt.Errorf("%w: no counts supplied", shared.ErrValidation)
	}
	for _, c := range counts {
		if c.CountedQuantity < 0 {
			return Reconciliation{}, fmt.Errorf("%w: counted quantity cannot be negative", shared.ErrValidation)
		}
	}

	var recon Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		recon, err = tx.GetReconciliationForUpdate(ctx, id.TenantID, reconID)
		if err != nil {
			return err
		}
		if recon.Status != ReconStatusDraft && recon.Status != ReconStatusInProgress {
			return fmt.Errorf("%w: counts cannot be recorded in status %s", shared.ErrValidation, recon.Status)
		}

		items, err := tx.ListReconciliationItems(ctx, id.TenantID, reconID)
		if err != nil {
			return err
		}
		byProduct := make(map[uuid.UUID]ReconciliationItem, len(items))
		for _, item := range items {
			byProduct[item.ProductID] = item
		}

		now := time.Now().UTC()
		for _, c := range counts {
			item, ok := byProduct[c.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %s is not part of this reconciliation", shared.ErrValidation, c.ProductID)
			}
			counted := c.CountedQuantity
			diff := counted - item.ExpectedQuantity
			item.CountedQuantity = &counted
			item.Difference = &diff
			item.CountedAt = &now
			if err := tx.UpdateReconciliationItem(ctx, item); err != nil {
				return err
			}
		}

		if recon.Status == ReconStatusDraft {
			recon.Status = ReconStatusInProgress
		}
		recon.UpdatedAt = now
		return tx.UpdateReconciliation(ctx, recon)
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return recon, nil
}

// Finalize posts one adjustment move per variance item and completes
// the batch. Moves carry no location and therefore correct the product
// total and valuation only. Bin level corrections belong to cycle count
// sessions.
func (s *Service) Finalize(ctx context.Context, id shared.Identity, reconID uuid.UUID) (Reconciliation, int, error) {
	var (
		recon  Reconciliation
		posted int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		recon, err = tx.GetReconciliationForUpdate(ctx, id.TenantID, reconID)
		if err != nil {
			return err
		}
		if !recon.Status.CanTransitionTo(ReconStatusCompleted) {
			return fmt.Errorf("%w: cannot finalize a %s reconciliation", shared.ErrValidation, recon.Status)
		}

		items, err := tx.ListReconciliationItems(ctx, id.TenantID, reconID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if !item.Counted() {
				return fmt.Errorf("%w: product %s has not been counted", shared.ErrValidation, item.ProductID)
			}
		}

		now := time.Now().UTC()
		reason := "stock reconciliation variance"
		for _, item := range items {
			diff := *item.Difference
			if diff == 0 {
				continue
			}
			move := stockmove.Move{
				ID:             uuid.New(),
				TenantID:       id.TenantID,
				ProductID:      item.ProductID,
				WarehouseID:    recon.WarehouseID,
				Type:           stockmove.MoveTypeAdjustment,
				Quantity:       diff,
				ReferenceType:  stockmove.ReferenceReconciliation,
				ReferenceID:    &recon.ID,
				IdempotencyKey: fmt.Sprintf("rec-%s-item-%s-%s", recon.ID, item.ProductID, recon.WarehouseID),
				Reason:         &reason,
				MoveDate:       now,
				CreatedBy:      id.ActorRef(),
			}
			if err := stockmove.PostInTx(ctx, tx.Moves(), s.logger, move); err != nil {
				if errorsIsDuplicate(err) {
					continue
				}
				return err
			}
			posted++
		}

		recon.Status = ReconStatusCompleted
		recon.UpdatedAt = now
		return tx.UpdateReconciliation(ctx, recon)
	})
	if err != nil {
		return Reconciliation{}, 0, err
	}

	s.metrics.CountAdjustments("stock_reconciliation", posted)
	s.recordAudit(ctx, id, "reconciliation.finalize", recon.ID, map[string]any{
		"moves_created": posted,
	})
	s.logger.InfoContext(ctx, "reconciliation finalized",
		slog.String("reconciliation_id", recon.ID.String()),
		slog.Int("moves_created", posted),
	)
	return recon, posted, nil
}

// Approve marks a completed batch as reviewed.
func (s *Service) Approve(ctx context.Context, id shared.Identity, reconID uuid.UUID) (Reconciliation, error) {
	var recon Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		recon, err = tx.GetReconciliationForUpdate(ctx, id.TenantID, reconID)
		if err != nil {
			return err
		}
		if recon.Status != ReconStatusCompleted {
			return fmt.Errorf("%w: only completed reconciliations can be approved", shared.ErrValidation)
		}
		if recon.ApprovedAt != nil {
			return fmt.Errorf("%w: reconciliation already approved", shared.ErrConflict)
		}
		now := time.Now().UTC()
		recon.ApprovedAt = &now
		recon.ApprovedBy = id.ActorRef()
		recon.UpdatedAt = now
		return tx.UpdateReconciliation(ctx, recon)
	})
	if err != nil {
		return Reconciliation{}, err
	}

	s.recordAudit(ctx, id, "reconciliation.approve", recon.ID, nil)
	return recon, nil
}

// CancelReconciliation abandons a batch before completion.
func (s *Service) CancelReconciliation(ctx context.Context, id shared.Identity, reconID uuid.UUID) (Reconciliation, error) {
	var recon Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		recon, err = tx.GetReconciliationForUpdate(ctx, id.TenantID, reconID)
		if err != nil {
			return err
		}
		if !recon.Status.CanTransitionTo(ReconStatusCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s reconciliation", shared.ErrValidation, recon.Status)
		}
		recon.Status = ReconStatusCancelled
		recon.UpdatedAt = time.Now().UTC()
		return tx.UpdateReconciliation(ctx, recon)
	})
	if err != nil {
		return Reconciliation{}, err
	}

	s.recordAudit(ctx, id, "reconciliation.cancel", recon.ID, nil)
	return recon, nil
}

// GetReconciliation loads a batch with its items.
func (s *Service) GetReconciliation(ctx context.Context, id shared.Identity, reconID uuid.UUID) (Reconciliation, []ReconciliationItem, error) {
	recon, err := s.repo.GetReconciliation(ctx, id.TenantID, reconID)
	if err != nil {
		return Reconciliation{}, nil, err
	}
	items, err := s.repo.ListReconciliationItems(ctx, id.TenantID, reconID)
	if err != nil {
		return Reconciliation{}, nil, err
	}
	return recon, items, nil
}

// ListReconciliations lists batches for a tenant, newest first.
func (s *Service) ListReconciliations(ctx context.Context, id shared.Identity, page shared.Pagination) ([]Reconciliation, shared.Pagination, error) {
	recons, total, err := s.repo.ListReconciliations(ctx, id.TenantID, page.PerPage, page.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return recons, shared.NewPagination(page.Page, page.PerPage, int(total)), nil
}

// Variance computes the variance analysis for a batch.
func (s *Service) Variance(ctx context.Context, id shared.Identity, reconID uuid.UUID) (VarianceAnalysis, error) {
	if _, err := s.repo.GetReconciliation(ctx, id.TenantID, reconID); err != nil {
		return VarianceAnalysis{}, err
	}
	items, err := s.repo.ListReconciliationItems(ctx, id.TenantID, reconID)
	if err != nil {
		return VarianceAnalysis{}, err
	}
	return AnalyzeVariance(reconID, items), nil
}

package stockmove

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/valuation"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindByReference(ctx context.Context, tenantID uuid.UUID, referenceType string, referenceID uuid.UUID) ([]Move, error)
	ListLocationsWithStock(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) ([]LocationStock, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service posts stock moves and keeps levels and valuation in step.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	logger      *slog.Logger
}

// NewService builds a Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, logger: logger}
}

// PostMove records a move, adjusts levels and applies the valuation effect
// in a single transaction.
func (s *Service) PostMove(ctx context.Context, in CreateMoveInput) (Move, error) {
	if err := validateInput(in); err != nil {
		return Move{}, err
	}

	key := in.IdempotencyKey
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stockmove"); err != nil {
			return Move{}, err
		}
		insertedKey = true
	}

	move := Move{
		ID:                    uuid.New(),
		TenantID:              in.TenantID,
		ProductID:             in.ProductID,
		WarehouseID:           in.WarehouseID,
		SourceLocationID:      in.SourceLocationID,
		DestinationLocationID: in.DestinationLocationID,
		Type:                  in.Type,
		Quantity:              in.Quantity,
		UnitCost:              in.UnitCost,
		ReferenceType:         in.ReferenceType,
		ReferenceID:           in.ReferenceID,
		IdempotencyKey:        key,
		Reason:                in.Reason,
		LotNumber:             in.LotNumber,
		ExpiryDate:            in.ExpiryDate,
		MoveDate:              time.Now().UTC(),
		CreatedBy:             in.ActorID,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return PostInTx(ctx, tx, s.logger, move)
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Move{}, err
	}

	if s.audit != nil {
		log := shared.AuditLog{
			TenantID: in.TenantID,
			Action:   fmt.Sprintf("stockmove:%s", move.Type),
			Entity:   "stock_move",
			EntityID: move.ID.String(),
			Meta: map[string]any{
				"product_id":   move.ProductID,
				"warehouse_id": move.WarehouseID,
				"quantity":     move.Quantity,
			},
		}
		if in.ActorID != nil {
			log.ActorID = *in.ActorID
		}
		if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
			s.logger.Warn("audit record failed", slog.Any("error", err))
		}
	}
	return move, nil
}

// FindByReference lists moves posted for a workflow entity.
func (s *Service) FindByReference(ctx context.Context, tenantID uuid.UUID, referenceType string, referenceID uuid.UUID) ([]Move, error) {
	if referenceType == "" {
		return nil, fmt.Errorf("%w: reference type required", shared.ErrValidation)
	}
	return s.repo.FindByReference(ctx, tenantID, referenceType, referenceID)
}

// ListLocationsWithStock exposes the level snapshot for a warehouse/product.
func (s *Service) ListLocationsWithStock(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) ([]LocationStock, error) {
	return s.repo.ListLocationsWithStock(ctx, tenantID, warehouseID, productID)
}

func validateInput(in CreateMoveInput) error {
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key required", shared.ErrValidation)
	}
	switch in.Type {
	case MoveTypeReceipt:
		if in.Quantity <= 0 {
			return fmt.Errorf("%w: receipt quantity must be positive", shared.ErrValidation)
		}
		if in.DestinationLocationID == nil {
			return fmt.Errorf("%w: receipt requires destination location", shared.ErrValidation)
		}
	case MoveTypeIssue:
		if in.Quantity <= 0 {
			return fmt.Errorf("%w: issue quantity must be positive", shared.ErrValidation)
		}
		if in.SourceLocationID == nil {
			return fmt.Errorf("%w: issue requires source location", shared.ErrValidation)
		}
	case MoveTypeTransfer:
		if in.Quantity <= 0 {
			return fmt.Errorf("%w: transfer quantity must be positive", shared.ErrValidation)
		}
		if in.SourceLocationID == nil || in.DestinationLocationID == nil {
			return fmt.Errorf("%w: transfer requires source and destination locations", shared.ErrValidation)
		}
	case MoveTypeAdjustment:
		if in.Quantity == 0 {
			return fmt.Errorf("%w: adjustment quantity must be non zero", shared.ErrValidation)
		}
		if in.SourceLocationID == nil && in.DestinationLocationID == nil {
			return fmt.Errorf("%w: adjustment requires a location", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown move type %q", shared.ErrValidation, in.Type)
	}
	return nil
}

// PostInTx records a move, adjusts levels and applies the valuation effect
// inside the caller's transaction. The counting workflows post their
// adjustment moves through this helper so all three writes share one commit.
// Adjustments without a location correct the product total only and leave
// bin levels untouched.
func PostInTx(ctx context.Context, tx TxRepository, logger *slog.Logger, move Move) error {
	if err := tx.InsertMove(ctx, move); err != nil {
		return err
	}
	if err := applyLevels(ctx, tx, move); err != nil {
		return err
	}
	return applyValuation(ctx, tx, logger, move)
}

func applyLevels(ctx context.Context, tx TxRepository, move Move) error {
	switch move.Type {
	case MoveTypeReceipt:
		return tx.AdjustLevel(ctx, move.TenantID, move.WarehouseID, *move.DestinationLocationID, move.ProductID, move.Quantity, move.ExpiryDate)
	case MoveTypeIssue:
		if err := checkSourceStock(ctx, tx, move); err != nil {
			return err
		}
		return tx.AdjustLevel(ctx, move.TenantID, move.WarehouseID, *move.SourceLocationID, move.ProductID, -move.Quantity, nil)
	case MoveTypeTransfer:
		if err := checkSourceStock(ctx, tx, move); err != nil {
			return err
		}
		if err := tx.AdjustLevel(ctx, move.TenantID, move.WarehouseID, *move.SourceLocationID, move.ProductID, -move.Quantity, nil); err != nil {
			return err
		}
		return tx.AdjustLevel(ctx, move.TenantID, move.WarehouseID, *move.DestinationLocationID, move.ProductID, move.Quantity, move.ExpiryDate)
	case MoveTypeAdjustment:
		loc := move.DestinationLocationID
		if loc == nil {
			loc = move.SourceLocationID
		}
		if loc == nil {
			return nil
		}
		var expiry *time.Time
		if move.Quantity > 0 {
			expiry = move.ExpiryDate
		}
		return tx.AdjustLevel(ctx, move.TenantID, move.WarehouseID, *loc, move.ProductID, move.Quantity, expiry)
	}
	return nil
}

// checkSourceStock rejects issues and transfers exceeding the on-hand
// quantity at the source. The row lock taken by the level upsert later in
// the same transaction keeps concurrent posts from both passing.
func checkSourceStock(ctx context.Context, tx TxRepository, move Move) error {
	available, err := tx.LocationQuantity(ctx, move.TenantID, *move.SourceLocationID, move.ProductID)
	if err != nil {
		return err
	}
	if available < move.Quantity {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientStock, available, move.Quantity)
	}
	return nil
}

func applyValuation(ctx context.Context, tx TxRepository, logger *slog.Logger, move Move) error {
	var delta int64
	switch move.Type {
	case MoveTypeReceipt:
		delta = move.Quantity
	case MoveTypeIssue:
		delta = -move.Quantity
	case MoveTypeAdjustment:
		delta = move.Quantity
	case MoveTypeTransfer:
		// Transfers shuffle stock between locations; total quantity and
		// value are unchanged.
		return nil
	}
	unitCost := move.UnitCost
	if move.Type == MoveTypeAdjustment && delta > 0 && unitCost == nil {
		// Count gains carry no purchase cost. Value them at the ledger's
		// current unit cost, or zero when the ledger is empty.
		led, err := tx.Valuation().GetLedgerForUpdate(ctx, move.TenantID, move.ProductID)
		if err != nil {
			return err
		}
		var cost int64
		if led.CurrentUnitCost != nil {
			cost = *led.CurrentUnitCost
		}
		unitCost = &cost
	}
	_, err := valuation.ApplyMove(ctx, tx.Valuation(), logger, valuation.ApplyInput{
		TenantID:      move.TenantID,
		ProductID:     move.ProductID,
		QuantityDelta: delta,
		UnitCost:      unitCost,
		ActorID:       move.CreatedBy,
	})
	return err
}

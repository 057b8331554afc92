package valuation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLedger(ctx context.Context, tenantID, productID uuid.UUID) (Ledger, error)
	ListLayers(ctx context.Context, tenantID, productID uuid.UUID) ([]CostLayer, error)
	LayerTotalQuantity(ctx context.Context, tenantID, productID uuid.UUID) (int64, error)
	History(ctx context.Context, tenantID, productID uuid.UUID, page shared.Pagination) ([]HistoryEntry, int, error)
	DeleteEmptyLayers(ctx context.Context) (int64, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates valuation ledger operations.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds a Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger}
}

// UpdateFromStockMove applies a signed quantity delta using the product's
// costing method.
func (s *Service) UpdateFromStockMove(ctx context.Context, in ApplyInput) (Ledger, error) {
	var led Ledger
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		led, err = ApplyMove(ctx, tx, s.logger, in)
		return err
	})
	if err != nil {
		return Ledger{}, err
	}
	s.recordAudit(ctx, in.TenantID, in.ActorID, "valuation:stock_move", in.ProductID, map[string]any{
		"quantity_delta": in.QuantityDelta,
		"total_quantity": led.TotalQuantity,
		"total_value":    led.TotalValue,
	})
	return led, nil
}

// SetMethod switches the costing method. The switch is metadata only:
// existing layers stay dormant until the method is switched back.
func (s *Service) SetMethod(ctx context.Context, tenantID, productID uuid.UUID, method Method, actorID *uuid.UUID) (Ledger, error) {
	var led Ledger
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		led, err = tx.GetLedgerForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		if led.Method == method {
			return nil
		}
		led.Method = method
		led.UpdatedBy = actorID
		if err := tx.UpdateLedger(ctx, led); err != nil {
			return err
		}
		return tx.InsertHistory(ctx, snapshot(led, actorID, ReasonMethodChange))
	})
	if err != nil {
		return Ledger{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "valuation:set_method", productID, map[string]any{"method": string(method)})
	return led, nil
}

// SetStandardCost stores the standard cost used by the standard method.
// The ledger value is not recomputed here; the next movement restores the
// value invariant.
func (s *Service) SetStandardCost(ctx context.Context, tenantID, productID uuid.UUID, cost int64, actorID *uuid.UUID) (Ledger, error) {
	if cost <= 0 {
		return Ledger{}, fmt.Errorf("%w: standard cost must be positive", shared.ErrValidation)
	}
	var led Ledger
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		led, err = tx.GetLedgerForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		led.StandardCost = &cost
		led.UpdatedBy = actorID
		if err := tx.UpdateLedger(ctx, led); err != nil {
			return err
		}
		return tx.InsertHistory(ctx, snapshot(led, actorID, ReasonStandardCost))
	})
	if err != nil {
		return Ledger{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "valuation:set_standard_cost", productID, map[string]any{"standard_cost": cost})
	return led, nil
}

// AdjustCost applies a signed correction to the total value without
// touching quantity, e.g. landed cost allocations.
func (s *Service) AdjustCost(ctx context.Context, tenantID, productID uuid.UUID, amount int64, reason string, actorID *uuid.UUID) (Ledger, error) {
	if amount == 0 {
		return Ledger{}, fmt.Errorf("%w: adjustment amount must be non zero", shared.ErrValidation)
	}
	if reason == "" {
		return Ledger{}, fmt.Errorf("%w: adjustment reason required", shared.ErrValidation)
	}
	var led Ledger
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		led, err = tx.GetLedgerForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		led.TotalValue += amount
		led.UpdatedBy = actorID
		if err := tx.UpdateLedger(ctx, led); err != nil {
			return err
		}
		return tx.InsertHistory(ctx, snapshot(led, actorID, fmt.Sprintf("%s: %s", ReasonCostAdjustment, reason)))
	})
	if err != nil {
		return Ledger{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "valuation:adjust_cost", productID, map[string]any{"amount": amount, "reason": reason})
	return led, nil
}

// RevalueInventory rewrites the unit cost and recomputes the total value.
// Rejected under FIFO: layer costs are the source of truth there and a
// flat revaluation would silently break layer conservation.
func (s *Service) RevalueInventory(ctx context.Context, tenantID, productID uuid.UUID, newUnitCost int64, reason string, actorID *uuid.UUID) (Ledger, error) {
	if newUnitCost < 0 {
		return Ledger{}, fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)
	}
	if reason == "" {
		return Ledger{}, fmt.Errorf("%w: revaluation reason required", shared.ErrValidation)
	}
	var led Ledger
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		led, err = tx.GetLedgerForUpdate(ctx, tenantID, productID)
		if err != nil {
			return err
		}
		if led.Method == MethodFIFO {
			return fmt.Errorf("%w: revaluation not supported under fifo costing", shared.ErrValidation)
		}
		led.CurrentUnitCost = &newUnitCost
		led.TotalValue = led.TotalQuantity * newUnitCost
		if led.Method == MethodStandard {
			led.StandardCost = &newUnitCost
		}
		led.UpdatedBy = actorID
		if err := tx.UpdateLedger(ctx, led); err != nil {
			return err
		}
		return tx.InsertHistory(ctx, snapshot(led, actorID, fmt.Sprintf("%s: %s", ReasonRevaluation, reason)))
	})
	if err != nil {
		return Ledger{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "valuation:revalue", productID, map[string]any{"new_unit_cost": newUnitCost, "reason": reason})
	return led, nil
}

// GetLedger returns the current valuation for a product.
func (s *Service) GetLedger(ctx context.Context, tenantID, productID uuid.UUID) (Ledger, error) {
	return s.repo.GetLedger(ctx, tenantID, productID)
}

// ListLayers returns the active FIFO layers, oldest first.
func (s *Service) ListLayers(ctx context.Context, tenantID, productID uuid.UUID) ([]CostLayer, error) {
	return s.repo.ListLayers(ctx, tenantID, productID)
}

// LayerTotalQuantity sums active layer quantity for the FIFO consistency
// check against the ledger total.
func (s *Service) LayerTotalQuantity(ctx context.Context, tenantID, productID uuid.UUID) (int64, error) {
	return s.repo.LayerTotalQuantity(ctx, tenantID, productID)
}

// History returns valuation snapshots, newest first.
func (s *Service) History(ctx context.Context, tenantID, productID uuid.UUID, page, perPage int) ([]HistoryEntry, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	entries, total, err := s.repo.History(ctx, tenantID, productID, p)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(page, perPage, total), nil
}

// CleanupEmptyLayers removes zero quantity layers left behind by partial
// writes. Consumption deletes exhausted layers inline, so this is a
// safety net, not part of the hot path.
func (s *Service) CleanupEmptyLayers(ctx context.Context) (int64, error) {
	return s.repo.DeleteEmptyLayers(ctx)
}

func (s *Service) recordAudit(ctx context.Context, tenantID uuid.UUID, actorID *uuid.UUID, action string, productID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		TenantID: tenantID,
		Action:   action,
		Entity:   "valuation_ledger",
		EntityID: productID.String(),
		Meta:     meta,
	}
	if actorID != nil {
		log.ActorID = *actorID
	}
	if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}

package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
)

// ApplyInput describes one stock movement hitting the valuation ledger.
// A positive QuantityDelta is a receipt, a negative one a consumption.
type ApplyInput struct {
	TenantID      uuid.UUID
	ProductID     uuid.UUID
	QuantityDelta int64
	UnitCost      *int64
	ActorID       *uuid.UUID
	Reason        string
}

type layerConsumption struct {
	LayerID   uuid.UUID
	Take      int64
	Remaining int64
	UnitCost  int64
}

// consumeLayers walks layers oldest first and takes stock greedily.
// The caller provides layers already ordered by created_at, id.
func consumeLayers(layers []CostLayer, qty int64) (consumptions []layerConsumption, cost int64, shortfall int64) {
	remaining := qty
	for _, layer := range layers {
		if remaining <= 0 {
			break
		}
		take := layer.Quantity
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		consumptions = append(consumptions, layerConsumption{
			LayerID:   layer.ID,
			Take:      take,
			Remaining: layer.Quantity - take,
			UnitCost:  layer.UnitCost,
		})
		cost += take * layer.UnitCost
		remaining -= take
	}
	return consumptions, cost, remaining
}

// ApplyMove applies a quantity delta to the ledger inside the caller's
// transaction. Both the valuation service and the counting workflows post
// moves through this routine so the costing rules live in one place.
func ApplyMove(ctx context.Context, tx TxRepository, logger *slog.Logger, in ApplyInput) (Ledger, error) {
	if in.QuantityDelta == 0 {
		return Ledger{}, fmt.Errorf("%w: quantity delta must be non zero", shared.ErrValidation)
	}
	led, err := tx.GetLedgerForUpdate(ctx, in.TenantID, in.ProductID)
	if err != nil {
		return Ledger{}, err
	}

	switch led.Method {
	case MethodFIFO:
		if err := applyFIFO(ctx, tx, logger, &led, in); err != nil {
			return Ledger{}, err
		}
	case MethodAVCO:
		if err := applyAVCO(logger, &led, in); err != nil {
			return Ledger{}, err
		}
	case MethodStandard:
		if err := applyStandard(logger, &led, in); err != nil {
			return Ledger{}, err
		}
	default:
		return Ledger{}, fmt.Errorf("%w: stored costing method %q", shared.ErrDataCorruption, led.Method)
	}

	led.LastUpdated = time.Now().UTC()
	led.UpdatedBy = in.ActorID
	if err := tx.UpdateLedger(ctx, led); err != nil {
		return Ledger{}, err
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonStockMove
	}
	if err := tx.InsertHistory(ctx, snapshot(led, in.ActorID, reason)); err != nil {
		return Ledger{}, err
	}
	return led, nil
}

func applyFIFO(ctx context.Context, tx TxRepository, logger *slog.Logger, led *Ledger, in ApplyInput) error {
	if in.QuantityDelta > 0 {
		if in.UnitCost == nil {
			return fmt.Errorf("%w: unit cost required for fifo receipt", shared.ErrValidation)
		}
		if *in.UnitCost < 0 {
			return fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)
		}
		layer := CostLayer{
			ID:         uuid.New(),
			TenantID:   in.TenantID,
			ProductID:  in.ProductID,
			Quantity:   in.QuantityDelta,
			UnitCost:   *in.UnitCost,
			TotalValue: in.QuantityDelta * *in.UnitCost,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.InsertLayer(ctx, layer); err != nil {
			return err
		}
		led.TotalQuantity += layer.Quantity
		led.TotalValue += layer.TotalValue
		cost := *in.UnitCost
		led.CurrentUnitCost = &cost
		return nil
	}

	layers, err := tx.ListLayersForUpdate(ctx, in.TenantID, in.ProductID)
	if err != nil {
		return err
	}
	need := -in.QuantityDelta
	consumptions, cost, shortfall := consumeLayers(layers, need)
	for _, c := range consumptions {
		if c.Remaining == 0 {
			if err := tx.DeleteLayer(ctx, in.TenantID, c.LayerID); err != nil {
				return err
			}
			continue
		}
		if err := tx.UpdateLayer(ctx, in.TenantID, c.LayerID, c.Remaining, c.Remaining*c.UnitCost); err != nil {
			return err
		}
	}
	if shortfall > 0 && logger != nil {
		logger.Warn("fifo layers exhausted, partial consumption",
			slog.String("tenant_id", in.TenantID.String()),
			slog.String("product_id", in.ProductID.String()),
			slog.Int64("requested", need),
			slog.Int64("shortfall", shortfall))
	}
	led.TotalQuantity -= need - shortfall
	led.TotalValue -= cost
	return nil
}

func applyAVCO(logger *slog.Logger, led *Ledger, in ApplyInput) error {
	if in.QuantityDelta > 0 {
		if in.UnitCost == nil {
			return fmt.Errorf("%w: unit cost required for avco receipt", shared.ErrValidation)
		}
		if *in.UnitCost < 0 {
			return fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)
		}
		newQty := led.TotalQuantity + in.QuantityDelta
		newValue := led.TotalValue + in.QuantityDelta**in.UnitCost
		// Integer division truncates toward zero, which is the documented
		// rounding behaviour for the running average.
		avg := newValue / newQty
		led.TotalQuantity = newQty
		led.TotalValue = newValue
		led.CurrentUnitCost = &avg
		return nil
	}

	need := -in.QuantityDelta
	take := need
	if take > led.TotalQuantity {
		take = led.TotalQuantity
		if logger != nil {
			logger.Warn("avco consumption exceeds on-hand quantity",
				slog.String("tenant_id", in.TenantID.String()),
				slog.String("product_id", in.ProductID.String()),
				slog.Int64("requested", need),
				slog.Int64("available", led.TotalQuantity))
		}
	}
	var avg int64
	if led.CurrentUnitCost != nil {
		avg = *led.CurrentUnitCost
	}
	led.TotalQuantity -= take
	led.TotalValue -= take * avg
	if led.TotalQuantity == 0 {
		led.TotalValue = 0
		led.CurrentUnitCost = nil
	}
	return nil
}

func applyStandard(logger *slog.Logger, led *Ledger, in ApplyInput) error {
	if led.StandardCost == nil {
		return fmt.Errorf("%w: standard cost not set", shared.ErrValidation)
	}
	newQty := led.TotalQuantity + in.QuantityDelta
	if newQty < 0 {
		if logger != nil {
			logger.Warn("standard consumption exceeds on-hand quantity",
				slog.String("tenant_id", in.TenantID.String()),
				slog.String("product_id", in.ProductID.String()),
				slog.Int64("requested", -in.QuantityDelta),
				slog.Int64("available", led.TotalQuantity))
		}
		newQty = 0
	}
	// Movements never touch current_unit_cost under standard costing.
	// Only SetStandardCost and RevalueInventory may write it.
	led.TotalQuantity = newQty
	led.TotalValue = newQty * *led.StandardCost
	return nil
}

func snapshot(led Ledger, actor *uuid.UUID, reason string) HistoryEntry {
	return HistoryEntry{
		ID:            uuid.New(),
		TenantID:      led.TenantID,
		ProductID:     led.ProductID,
		Method:        led.Method,
		UnitCost:      led.CurrentUnitCost,
		TotalQuantity: led.TotalQuantity,
		TotalValue:    led.TotalValue,
		ChangedBy:     actor,
		ChangeReason:  reason,
		ChangedAt:     time.Now().UTC(),
	}
}

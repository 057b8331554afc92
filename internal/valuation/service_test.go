package valuation

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian/internal/shared"
)

type memoryRepo struct {
	ledgers map[uuid.UUID]Ledger
	layers  []CostLayer
	history []HistoryEntry
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{ledgers: make(map[uuid.UUID]Ledger)}
}

func (r *memoryRepo) seed(led Ledger) {
	r.ledgers[led.ProductID] = led
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetLedger(ctx context.Context, tenantID, productID uuid.UUID) (Ledger, error) {
	led, ok := r.ledgers[productID]
	if !ok {
		return Ledger{}, ErrLedgerNotFound
	}
	return led, nil
}

func (r *memoryRepo) ListLayers(ctx context.Context, tenantID, productID uuid.UUID) ([]CostLayer, error) {
	return r.activeLayers(productID), nil
}

func (r *memoryRepo) LayerTotalQuantity(ctx context.Context, tenantID, productID uuid.UUID) (int64, error) {
	var total int64
	for _, l := range r.activeLayers(productID) {
		total += l.Quantity
	}
	return total, nil
}

func (r *memoryRepo) History(ctx context.Context, tenantID, productID uuid.UUID, page shared.Pagination) ([]HistoryEntry, int, error) {
	out := []HistoryEntry{}
	for _, e := range r.history {
		if e.ProductID == productID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (r *memoryRepo) DeleteEmptyLayers(ctx context.Context) (int64, error) {
	kept := r.layers[:0]
	var removed int64
	for _, l := range r.layers {
		if l.Quantity == 0 {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	r.layers = kept
	return removed, nil
}

func (r *memoryRepo) activeLayers(productID uuid.UUID) []CostLayer {
	out := []CostLayer{}
	for _, l := range r.layers {
		if l.ProductID == productID && l.Quantity > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (tx *memoryTx) GetLedgerForUpdate(ctx context.Context, tenantID, productID uuid.UUID) (Ledger, error) {
	return tx.repo.GetLedger(ctx, tenantID, productID)
}

func (tx *memoryTx) UpdateLedger(ctx context.Context, led Ledger) error {
	tx.repo.ledgers[led.ProductID] = led
	return nil
}

func (tx *memoryTx) ListLayersForUpdate(ctx context.Context, tenantID, productID uuid.UUID) ([]CostLayer, error) {
	return tx.repo.activeLayers(productID), nil
}

func (tx *memoryTx) InsertLayer(ctx context.Context, layer CostLayer) error {
	tx.repo.layers = append(tx.repo.layers, layer)
	return nil
}

func (tx *memoryTx) UpdateLayer(ctx context.Context, tenantID, layerID uuid.UUID, quantity, totalValue int64) error {
	for i := range tx.repo.layers {
		if tx.repo.layers[i].ID == layerID {
			tx.repo.layers[i].Quantity = quantity
			tx.repo.layers[i].TotalValue = totalValue
			return nil
		}
	}
	return shared.ErrNotFound
}

func (tx *memoryTx) DeleteLayer(ctx context.Context, tenantID, layerID uuid.UUID) error {
	for i := range tx.repo.layers {
		if tx.repo.layers[i].ID == layerID {
			tx.repo.layers = append(tx.repo.layers[:i], tx.repo.layers[i+1:]...)
			return nil
		}
	}
	return nil
}

func (tx *memoryTx) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	tx.repo.history = append(tx.repo.history, entry)
	return nil
}

var (
	testTenant  = uuid.New()
	testProduct = uuid.New()
)

func newTestService(method Method) (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	repo.seed(Ledger{TenantID: testTenant, ProductID: testProduct, Method: method})
	return NewService(repo, nil, slog.New(slog.DiscardHandler)), repo
}

func costOf(v int64) *int64 { return &v }

func TestAVCOBlendAndConsumption(t *testing.T) {
	svc, _ := newTestService(MethodAVCO)
	ctx := context.Background()

	led, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 10, UnitCost: costOf(100)})
	require.NoError(t, err)
	require.Equal(t, int64(10), led.TotalQuantity)
	require.Equal(t, int64(1000), led.TotalValue)
	require.Equal(t, int64(100), *led.CurrentUnitCost)

	led, err = svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 10, UnitCost: costOf(200)})
	require.NoError(t, err)
	require.Equal(t, int64(20), led.TotalQuantity)
	require.Equal(t, int64(3000), led.TotalValue)
	require.Equal(t, int64(150), *led.CurrentUnitCost)

	led, err = svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: -5})
	require.NoError(t, err)
	require.Equal(t, int64(15), led.TotalQuantity)
	require.Equal(t, int64(2250), led.TotalValue)
	require.Equal(t, int64(150), *led.CurrentUnitCost)
}

func TestAVCOTruncatesTowardZero(t *testing.T) {
	svc, _ := newTestService(MethodAVCO)
	ctx := context.Background()

	_, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 3, UnitCost: costOf(100)})
	require.NoError(t, err)
	led, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 3, UnitCost: costOf(101)})
	require.NoError(t, err)
	// (300 + 303) / 6 = 100.5, truncated to 100.
	require.Equal(t, int64(100), *led.CurrentUnitCost)
	require.Equal(t, int64(603), led.TotalValue)
}

func TestAVCOResetAtZeroQuantity(t *testing.T) {
	svc, _ := newTestService(MethodAVCO)
	ctx := context.Background()

	_, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 4, UnitCost: costOf(250)})
	require.NoError(t, err)
	led, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: -4})
	require.NoError(t, err)
	require.Equal(t, int64(0), led.TotalQuantity)
	require.Equal(t, int64(0), led.TotalValue)
	require.Nil(t, led.CurrentUnitCost)
}

func TestFIFOConsumptionOldestFirst(t *testing.T) {
	svc, repo := newTestService(MethodFIFO)
	ctx := context.Background()

	_, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 5, UnitCost: costOf(10)})
	require.NoError(t, err)
	// Ensure a strictly later created_at for the second layer.
	repo.layers[0].CreatedAt = repo.layers[0].CreatedAt.Add(-time.Second)
	_, err = svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 5, UnitCost: costOf(20)})
	require.NoError(t, err)

	led, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: -7})
	require.NoError(t, err)
	// 5@10 + 2@20 = 90 consumed, 3@20 = 60 remains.
	require.Equal(t, int64(3), led.TotalQuantity)
	require.Equal(t, int64(60), led.TotalValue)

	layers, err := svc.ListLayers(ctx, testTenant, testProduct)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, int64(3), layers[0].Quantity)
	require.Equal(t, int64(20), layers[0].UnitCost)
}

func TestFIFOConservation(t *testing.T) {
	svc, _ := newTestService(MethodFIFO)
	ctx := context.Background()

	deltas := []struct {
		qty  int64
		cost *int64
	}{
		{8, costOf(100)}, {-3, nil}, {12, costOf(90)}, {-10, nil}, {4, costOf(110)},
	}
	for _, d := range deltas {
		_, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: d.qty, UnitCost: d.cost})
		require.NoError(t, err)
	}

	led, err := svc.GetLedger(ctx, testTenant, testProduct)
	require.NoError(t, err)
	layers, err := svc.ListLayers(ctx, testTenant, testProduct)
	require.NoError(t, err)
	var layerQty, layerValue int64
	for _, l := range layers {
		layerQty += l.Quantity
		layerValue += l.TotalValue
	}
	require.Equal(t, led.TotalQuantity, layerQty)
	require.Equal(t, led.TotalValue, layerValue)

	total, err := svc.LayerTotalQuantity(ctx, testTenant, testProduct)
	require.NoError(t, err)
	require.Equal(t, led.TotalQuantity, total)
}

func TestFIFOReceiptRequiresUnitCost(t *testing.T) {
	svc, _ := newTestService(MethodFIFO)
	_, err := svc.UpdateFromStockMove(context.Background(), ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 5})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFIFOOversoldReturnsPartial(t *testing.T) {
	svc, _ := newTestService(MethodFIFO)
	ctx := context.Background()

	_, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 5, UnitCost: costOf(10)})
	require.NoError(t, err)
	led, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: -9})
	require.NoError(t, err)
	require.Equal(t, int64(0), led.TotalQuantity)
	require.Equal(t, int64(0), led.TotalValue)

	layers, err := svc.ListLayers(ctx, testTenant, testProduct)
	require.NoError(t, err)
	require.Empty(t, layers)
}

func TestStandardValueTracksQuantity(t *testing.T) {
	svc, _ := newTestService(MethodStandard)
	ctx := context.Background()

	_, err := svc.SetStandardCost(ctx, testTenant, testProduct, 75, nil)
	require.NoError(t, err)

	led, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 10})
	require.NoError(t, err)
	require.Equal(t, int64(750), led.TotalValue)

	led, err = svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: -4})
	require.NoError(t, err)
	require.Equal(t, int64(6), led.TotalQuantity)
	require.Equal(t, int64(450), led.TotalValue)
}

func TestStandardMoveLeavesUnitCostAlone(t *testing.T) {
	svc, _ := newTestService(MethodStandard)
	ctx := context.Background()

	_, err := svc.SetStandardCost(ctx, testTenant, testProduct, 75, nil)
	require.NoError(t, err)

	led, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 10})
	require.NoError(t, err)
	require.Nil(t, led.CurrentUnitCost)

	led, err = svc.RevalueInventory(ctx, testTenant, testProduct, 80, "new standard", nil)
	require.NoError(t, err)
	require.Equal(t, int64(80), *led.CurrentUnitCost)
	require.Equal(t, int64(800), led.TotalValue)
}

func TestStandardRequiresCost(t *testing.T) {
	svc, _ := newTestService(MethodStandard)
	_, err := svc.UpdateFromStockMove(context.Background(), ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 2})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRevalueRejectedUnderFIFO(t *testing.T) {
	svc, _ := newTestService(MethodFIFO)
	_, err := svc.RevalueInventory(context.Background(), testTenant, testProduct, 500, "audit", nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRevalueRecomputesValue(t *testing.T) {
	svc, _ := newTestService(MethodAVCO)
	ctx := context.Background()

	_, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 10, UnitCost: costOf(100)})
	require.NoError(t, err)
	led, err := svc.RevalueInventory(ctx, testTenant, testProduct, 130, "market adjustment", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1300), led.TotalValue)
	require.Equal(t, int64(130), *led.CurrentUnitCost)
}

func TestHistoryAppendedPerMutation(t *testing.T) {
	svc, repo := newTestService(MethodAVCO)
	ctx := context.Background()

	_, err := svc.UpdateFromStockMove(ctx, ApplyInput{TenantID: testTenant, ProductID: testProduct, QuantityDelta: 5, UnitCost: costOf(40)})
	require.NoError(t, err)
	_, err = svc.SetMethod(ctx, testTenant, testProduct, MethodStandard, nil)
	require.NoError(t, err)
	_, err = svc.AdjustCost(ctx, testTenant, testProduct, -20, "damaged goods", nil)
	require.NoError(t, err)

	require.Len(t, repo.history, 3)
	require.Equal(t, ReasonStockMove, repo.history[0].ChangeReason)
	require.Equal(t, ReasonMethodChange, repo.history[1].ChangeReason)
	require.Contains(t, repo.history[2].ChangeReason, ReasonCostAdjustment)
}

func TestMissingLedger(t *testing.T) {
	svc, _ := newTestService(MethodAVCO)
	_, err := svc.UpdateFromStockMove(context.Background(), ApplyInput{TenantID: testTenant, ProductID: uuid.New(), QuantityDelta: 5, UnitCost: costOf(10)})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

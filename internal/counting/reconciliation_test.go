package counting

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/stockmove"
)

func newReconEnv() (*Service, *memStore, *memMetrics) {
	store := newMemStore()
	// Product X is spread over two bins; the reconciliation corrects the
	// warehouse total without touching either bin.
	store.levels[levelKey{location: testBin, product: productX}] = 6
	store.levels[levelKey{location: otherBin, product: productX}] = 4
	store.ledgers[productX] = avcoLedger(productX, 10, 100)
	metrics := newMemMetrics()
	svc := NewService(store, nil, newMemLocker(), metrics, slog.New(slog.DiscardHandler))
	return svc, store, metrics
}

func TestReconciliationLifecycle(t *testing.T) {
	svc, store, metrics := newReconEnv()
	ctx := context.Background()
	id := testIdentity()

	recon, err := svc.CreateReconciliation(ctx, id, CreateReconciliationInput{
		WarehouseID: testWarehouse,
		CycleType:   CycleTypeABCA,
		ProductIDs:  []uuid.UUID{productX},
	})
	require.NoError(t, err)
	require.Equal(t, ReconStatusDraft, recon.Status)

	_, items, err := svc.GetReconciliation(ctx, id, recon.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(10), items[0].ExpectedQuantity)

	recon, err = svc.RecordCounts(ctx, id, recon.ID, []ItemCount{
		{ProductID: productX, CountedQuantity: 7},
	})
	require.NoError(t, err)
	require.Equal(t, ReconStatusInProgress, recon.Status)

	recon, moves, err := svc.Finalize(ctx, id, recon.ID)
	require.NoError(t, err)
	require.Equal(t, ReconStatusCompleted, recon.Status)
	require.Equal(t, 1, moves)
	require.Equal(t, 1, metrics.counts["stock_reconciliation"])

	// Bin levels are untouched; only the product total and valuation move.
	require.Equal(t, int64(6), store.levels[levelKey{location: testBin, product: productX}])
	require.Equal(t, int64(4), store.levels[levelKey{location: otherBin, product: productX}])
	require.Equal(t, int64(7), store.ledgers[productX].TotalQuantity)
	require.Equal(t, int64(700), store.ledgers[productX].TotalValue)

	move := store.moves[0]
	require.Equal(t, stockmove.MoveTypeAdjustment, move.Type)
	require.Equal(t, stockmove.ReferenceReconciliation, move.ReferenceType)
	require.Nil(t, move.SourceLocationID)
	require.Nil(t, move.DestinationLocationID)
	require.Equal(t, int64(-3), move.Quantity)

	recon, err = svc.Approve(ctx, id, recon.ID)
	require.NoError(t, err)
	require.NotNil(t, recon.ApprovedAt)
	require.NotNil(t, recon.ApprovedBy)

	_, err = svc.Approve(ctx, id, recon.ID)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestFinalizeRequiresAllCounted(t *testing.T) {
	svc, store, _ := newReconEnv()
	store.levels[levelKey{location: testBin, product: productY}] = 3
	store.ledgers[productY] = avcoLedger(productY, 3, 50)
	ctx := context.Background()
	id := testIdentity()

	recon, err := svc.CreateReconciliation(ctx, id, CreateReconciliationInput{
		WarehouseID: testWarehouse,
		CycleType:   CycleTypeFull,
		ProductIDs:  []uuid.UUID{productX, productY},
	})
	require.NoError(t, err)

	_, err = svc.RecordCounts(ctx, id, recon.ID, []ItemCount{
		{ProductID: productX, CountedQuantity: 10},
	})
	require.NoError(t, err)

	_, _, err = svc.Finalize(ctx, id, recon.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRecordCountsRejectsUnknownProduct(t *testing.T) {
	svc, _, _ := newReconEnv()
	ctx := context.Background()
	id := testIdentity()

	recon, err := svc.CreateReconciliation(ctx, id, CreateReconciliationInput{
		WarehouseID: testWarehouse,
		CycleType:   CycleTypeRandom,
		ProductIDs:  []uuid.UUID{productX},
	})
	require.NoError(t, err)

	_, err = svc.RecordCounts(ctx, id, recon.ID, []ItemCount{
		{ProductID: uuid.New(), CountedQuantity: 1},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestApproveRequiresCompleted(t *testing.T) {
	svc, _, _ := newReconEnv()
	ctx := context.Background()
	id := testIdentity()

	recon, err := svc.CreateReconciliation(ctx, id, CreateReconciliationInput{
		WarehouseID: testWarehouse,
		CycleType:   CycleTypeLocation,
		ProductIDs:  []uuid.UUID{productX},
	})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, id, recon.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCancelReconciliation(t *testing.T) {
	svc, _, _ := newReconEnv()
	ctx := context.Background()
	id := testIdentity()

	recon, err := svc.CreateReconciliation(ctx, id, CreateReconciliationInput{
		WarehouseID: testWarehouse,
		CycleType:   CycleTypeABCC,
		ProductIDs:  []uuid.UUID{productX},
	})
	require.NoError(t, err)

	recon, err = svc.CancelReconciliation(ctx, id, recon.ID)
	require.NoError(t, err)
	require.Equal(t, ReconStatusCancelled, recon.Status)

	_, _, err = svc.Finalize(ctx, id, recon.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestVarianceAnalysisBuckets(t *testing.T) {
	reconID := uuid.New()
	count := func(v int64) *int64 { return &v }
	diff := func(expected, counted int64) *int64 {
		d := counted - expected
		return &d
	}
	items := []ReconciliationItem{
		{ProductID: uuid.New(), ExpectedQuantity: 1000, CountedQuantity: count(1000), Difference: diff(1000, 1000)},
		{ProductID: uuid.New(), ExpectedQuantity: 1000, CountedQuantity: count(995), Difference: diff(1000, 995)},
		{ProductID: uuid.New(), ExpectedQuantity: 100, CountedQuantity: count(96), Difference: diff(100, 96)},
		{ProductID: uuid.New(), ExpectedQuantity: 100, CountedQuantity: count(92), Difference: diff(100, 92)},
		{ProductID: uuid.New(), ExpectedQuantity: 10, CountedQuantity: count(30), Difference: diff(10, 30)},
		{ProductID: uuid.New(), ExpectedQuantity: 50},
	}

	analysis := AnalyzeVariance(reconID, items)
	require.Equal(t, 6, analysis.TotalItems)
	require.Equal(t, 5, analysis.CountedItems)
	require.Equal(t, 4, analysis.ItemsWithVariance)
	require.InDelta(t, 20.0, analysis.AccuracyPct, 0.01)

	require.Equal(t, 2, analysis.Buckets[0].ItemCount) // exact and 0.5%
	require.Equal(t, 1, analysis.Buckets[1].ItemCount) // 4%
	require.Equal(t, 1, analysis.Buckets[2].ItemCount) // 8%
	require.Equal(t, 1, analysis.Buckets[3].ItemCount) // 200%
	require.Equal(t, int64(20), analysis.Buckets[3].TotalVariance)
}

package stockmove

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/valuation"
)

type levelKey struct {
	location uuid.UUID
	product  uuid.UUID
}

type levelState struct {
	qty         int64
	lastReceipt *time.Time
	expiry      *time.Time
}

type memoryRepo struct {
	moves   []Move
	keys    map[string]bool
	levels  map[levelKey]levelState
	ledgers map[uuid.UUID]valuation.Ledger
	history []valuation.HistoryEntry
	layers  []valuation.CostLayer
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		keys:    make(map[string]bool),
		levels:  make(map[levelKey]levelState),
		ledgers: make(map[uuid.UUID]valuation.Ledger),
	}
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) FindByReference(ctx context.Context, tenantID uuid.UUID, refType string, refID uuid.UUID) ([]Move, error) {
	out := []Move{}
	for _, m := range r.moves {
		if m.ReferenceType == refType && m.ReferenceID != nil && *m.ReferenceID == refID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListLocationsWithStock(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) ([]LocationStock, error) {
	out := []LocationStock{}
	for k, st := range r.levels {
		if k.product == productID && st.qty > 0 {
			out = append(out, LocationStock{
				LocationID:      k.location,
				Available:       st.qty,
				ExpiryDate:      st.expiry,
				LastReceiptDate: st.lastReceipt,
			})
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertMove(ctx context.Context, move Move) error {
	if tx.repo.keys[move.IdempotencyKey] {
		return ErrDuplicateMove
	}
	tx.repo.keys[move.IdempotencyKey] = true
	tx.repo.moves = append(tx.repo.moves, move)
	return nil
}

func (tx *memoryTx) AdjustLevel(ctx context.Context, tenantID, warehouseID, locationID, productID uuid.UUID, delta int64, expiry *time.Time) error {
	key := levelKey{location: locationID, product: productID}
	st := tx.repo.levels[key]
	st.qty += delta
	if delta > 0 {
		now := time.Now().UTC()
		st.lastReceipt = &now
	}
	if expiry != nil {
		st.expiry = expiry
	}
	tx.repo.levels[key] = st
	return nil
}

func (tx *memoryTx) LocationQuantity(ctx context.Context, tenantID, locationID, productID uuid.UUID) (int64, error) {
	return tx.repo.levels[levelKey{location: locationID, product: productID}].qty, nil
}

func (tx *memoryTx) ExistsAfter(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID, since time.Time) (bool, error) {
	wanted := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}
	for _, m := range tx.repo.moves {
		if _, ok := wanted[m.ProductID]; !ok {
			continue
		}
		atLocation := (m.SourceLocationID != nil && *m.SourceLocationID == locationID) ||
			(m.DestinationLocationID != nil && *m.DestinationLocationID == locationID)
		if atLocation && m.MoveDate.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) WarehouseQuantity(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) (int64, error) {
	var total int64
	for k, st := range tx.repo.levels {
		if k.product == productID {
			total += st.qty
		}
	}
	return total, nil
}

func (tx *memoryTx) ListProductsAtLocation(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID) ([]ProductStock, error) {
	wanted := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}
	out := []ProductStock{}
	for k, st := range tx.repo.levels {
		if k.location != locationID || st.qty <= 0 {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[k.product]; !ok {
				continue
			}
		}
		out = append(out, ProductStock{ProductID: k.product, Available: st.qty})
	}
	return out, nil
}

func (tx *memoryTx) Valuation() valuation.TxRepository {
	return &memoryValuationTx{repo: tx.repo}
}

type memoryValuationTx struct {
	repo *memoryRepo
}

func (tx *memoryValuationTx) GetLedgerForUpdate(ctx context.Context, tenantID, productID uuid.UUID) (valuation.Ledger, error) {
	led, ok := tx.repo.ledgers[productID]
	if !ok {
		return valuation.Ledger{}, valuation.ErrLedgerNotFound
	}
	return led, nil
}

func (tx *memoryValuationTx) UpdateLedger(ctx context.Context, led valuation.Ledger) error {
	tx.repo.ledgers[led.ProductID] = led
	return nil
}

func (tx *memoryValuationTx) ListLayersForUpdate(ctx context.Context, tenantID, productID uuid.UUID) ([]valuation.CostLayer, error) {
	out := []valuation.CostLayer{}
	for _, l := range tx.repo.layers {
		if l.ProductID == productID && l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

func (tx *memoryValuationTx) InsertLayer(ctx context.Context, layer valuation.CostLayer) error {
	tx.repo.layers = append(tx.repo.layers, layer)
	return nil
}

func (tx *memoryValuationTx) UpdateLayer(ctx context.Context, tenantID, layerID uuid.UUID, quantity, totalValue int64) error {
	for i := range tx.repo.layers {
		if tx.repo.layers[i].ID == layerID {
			tx.repo.layers[i].Quantity = quantity
			tx.repo.layers[i].TotalValue = totalValue
		}
	}
	return nil
}

func (tx *memoryValuationTx) DeleteLayer(ctx context.Context, tenantID, layerID uuid.UUID) error {
	for i := range tx.repo.layers {
		if tx.repo.layers[i].ID == layerID {
			tx.repo.layers = append(tx.repo.layers[:i], tx.repo.layers[i+1:]...)
			return nil
		}
	}
	return nil
}

func (tx *memoryValuationTx) InsertHistory(ctx context.Context, entry valuation.HistoryEntry) error {
	tx.repo.history = append(tx.repo.history, entry)
	return nil
}

var (
	tenant    = uuid.New()
	warehouse = uuid.New()
	product   = uuid.New()
	binA      = uuid.New()
	binB      = uuid.New()
)

func newTestService() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	repo.ledgers[product] = valuation.Ledger{TenantID: tenant, ProductID: product, Method: valuation.MethodAVCO}
	return NewService(repo, nil, nil, slog.New(slog.DiscardHandler)), repo
}

func cost(v int64) *int64 { return &v }

func TestPostReceiptUpdatesLevelAndValuation(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	move, err := svc.PostMove(ctx, CreateMoveInput{
		TenantID:              tenant,
		ProductID:             product,
		WarehouseID:           warehouse,
		DestinationLocationID: &binA,
		Type:                  MoveTypeReceipt,
		Quantity:              10,
		UnitCost:              cost(100),
		ReferenceType:         "purchase_order",
		IdempotencyKey:        "po-1-line-1",
	})
	require.NoError(t, err)
	require.False(t, move.MoveDate.IsZero())
	require.Equal(t, int64(10), repo.levels[levelKey{location: binA, product: product}].qty)
	require.Equal(t, int64(1000), repo.ledgers[product].TotalValue)
	require.Len(t, repo.history, 1)
}

func TestPostReceiptStampsLevelDates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	lotExpiry := time.Now().UTC().AddDate(0, 0, 90).Truncate(24 * time.Hour)

	_, err := svc.PostMove(ctx, CreateMoveInput{
		TenantID:              tenant,
		ProductID:             product,
		WarehouseID:           warehouse,
		DestinationLocationID: &binA,
		Type:                  MoveTypeReceipt,
		Quantity:              10,
		UnitCost:              cost(100),
		ReferenceType:         "purchase_order",
		IdempotencyKey:        "po-stamp-1",
		ExpiryDate:            &lotExpiry,
	})
	require.NoError(t, err)

	levels, err := svc.ListLocationsWithStock(ctx, tenant, warehouse, product)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	require.NotNil(t, levels[0].LastReceiptDate)
	require.WithinDuration(t, time.Now(), *levels[0].LastReceiptDate, time.Minute)
	require.NotNil(t, levels[0].ExpiryDate)
	require.Equal(t, lotExpiry, *levels[0].ExpiryDate)
}

func TestPostMoveDuplicateKey(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	in := CreateMoveInput{
		TenantID:              tenant,
		ProductID:             product,
		WarehouseID:           warehouse,
		DestinationLocationID: &binA,
		Type:                  MoveTypeReceipt,
		Quantity:              5,
		UnitCost:              cost(100),
		ReferenceType:         "purchase_order",
		IdempotencyKey:        "po-2-line-1",
	}
	_, err := svc.PostMove(ctx, in)
	require.NoError(t, err)
	_, err = svc.PostMove(ctx, in)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestTransferLeavesValuationUntouched(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	_, err := svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		DestinationLocationID: &binA, Type: MoveTypeReceipt, Quantity: 10, UnitCost: cost(50),
		ReferenceType: "purchase_order", IdempotencyKey: "po-3-line-1",
	})
	require.NoError(t, err)
	valueBefore := repo.ledgers[product].TotalValue

	_, err = svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		SourceLocationID: &binA, DestinationLocationID: &binB,
		Type: MoveTypeTransfer, Quantity: 4,
		ReferenceType: "transfer_order", IdempotencyKey: "to-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(6), repo.levels[levelKey{location: binA, product: product}].qty)
	require.Equal(t, int64(4), repo.levels[levelKey{location: binB, product: product}].qty)
	require.Equal(t, valueBefore, repo.ledgers[product].TotalValue)
}

func TestIssueRejectedWhenSourceShort(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	_, err := svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		DestinationLocationID: &binA, Type: MoveTypeReceipt, Quantity: 5, UnitCost: cost(20),
		ReferenceType: "purchase_order", IdempotencyKey: "po-short-1",
	})
	require.NoError(t, err)

	_, err = svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		SourceLocationID: &binA, Type: MoveTypeIssue, Quantity: 9,
		ReferenceType: "sales_order", IdempotencyKey: "so-short-1",
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, int64(5), repo.levels[levelKey{location: binA, product: product}].qty)

	_, err = svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		SourceLocationID: &binA, DestinationLocationID: &binB,
		Type: MoveTypeTransfer, Quantity: 6,
		ReferenceType: "transfer_order", IdempotencyKey: "to-short-1",
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Negative adjustments stay exempt: counts write observed truth.
	_, err = svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		SourceLocationID: &binA, Type: MoveTypeAdjustment, Quantity: -5,
		ReferenceType: ReferenceCycleCount, IdempotencyKey: "cc-short-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), repo.levels[levelKey{location: binA, product: product}].qty)
}

func TestPostMoveValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		Type: MoveTypeReceipt, Quantity: 5, UnitCost: cost(10),
		ReferenceType: "purchase_order", IdempotencyKey: "",
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		Type: MoveTypeReceipt, Quantity: 5, UnitCost: cost(10),
		ReferenceType: "purchase_order", IdempotencyKey: "po-4",
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		SourceLocationID: &binA, Type: MoveTypeIssue, Quantity: -5,
		ReferenceType: "sales_order", IdempotencyKey: "so-1",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFindByReference(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	ref := uuid.New()

	_, err := svc.PostMove(ctx, CreateMoveInput{
		TenantID: tenant, ProductID: product, WarehouseID: warehouse,
		DestinationLocationID: &binA, Type: MoveTypeReceipt, Quantity: 3, UnitCost: cost(10),
		ReferenceType: ReferenceCycleCount, ReferenceID: &ref, IdempotencyKey: "cc-ref-1",
	})
	require.NoError(t, err)

	moves, err := svc.FindByReference(ctx, tenant, ReferenceCycleCount, ref)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.WithinDuration(t, time.Now(), moves[0].MoveDate, time.Minute)
}

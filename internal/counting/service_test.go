package counting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/stockmove"
	"github.com/meridian-wms/meridian/internal/valuation"
)

type levelKey struct {
	location uuid.UUID
	product  uuid.UUID
}

type memStore struct {
	sessions map[uuid.UUID]Session
	lines    map[uuid.UUID][]Line
	recons   map[uuid.UUID]Reconciliation
	items    map[uuid.UUID][]ReconciliationItem
	moves    []stockmove.Move
	moveKeys map[string]bool
	levels   map[levelKey]int64
	ledgers  map[uuid.UUID]valuation.Ledger
	layers   []valuation.CostLayer
	history  []valuation.HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]Session),
		lines:    make(map[uuid.UUID][]Line),
		recons:   make(map[uuid.UUID]Reconciliation),
		items:    make(map[uuid.UUID][]ReconciliationItem),
		moveKeys: make(map[string]bool),
		levels:   make(map[levelKey]int64),
		ledgers:  make(map[uuid.UUID]valuation.Ledger),
	}
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memTx{s: s})
}

func (s *memStore) GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *memStore) ListSessions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Session, int64, error) {
	out := []Session{}
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]Line, error) {
	return append([]Line{}, s.lines[sessionID]...), nil
}

func (s *memStore) GetReconciliation(ctx context.Context, tenantID, reconID uuid.UUID) (Reconciliation, error) {
	recon, ok := s.recons[reconID]
	if !ok {
		return Reconciliation{}, ErrReconciliationNotFound
	}
	return recon, nil
}

func (s *memStore) ListReconciliations(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Reconciliation, int64, error) {
	out := []Reconciliation{}
	for _, recon := range s.recons {
		out = append(out, recon)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) ListReconciliationItems(ctx context.Context, tenantID, reconID uuid.UUID) ([]ReconciliationItem, error) {
	return append([]ReconciliationItem{}, s.items[reconID]...), nil
}

type memTx struct {
	s *memStore
}

func (tx *memTx) InsertSession(ctx context.Context, session Session) error {
	tx.s.sessions[session.ID] = session
	return nil
}

func (tx *memTx) GetSessionForUpdate(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	return tx.s.GetSession(ctx, tenantID, sessionID)
}

func (tx *memTx) UpdateSession(ctx context.Context, session Session) error {
	tx.s.sessions[session.ID] = session
	return nil
}

func (tx *memTx) InsertLine(ctx context.Context, line Line) error {
	tx.s.lines[line.SessionID] = append(tx.s.lines[line.SessionID], line)
	return nil
}

func (tx *memTx) UpdateLine(ctx context.Context, line Line) error {
	lines := tx.s.lines[line.SessionID]
	for i := range lines {
		if lines[i].ID == line.ID {
			lines[i] = line
			return nil
		}
	}
	return ErrLineNotFound
}

func (tx *memTx) DeleteLines(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	delete(tx.s.lines, sessionID)
	return nil
}

func (tx *memTx) ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]Line, error) {
	return tx.s.ListLines(ctx, tenantID, sessionID)
}

func (tx *memTx) InsertReconciliation(ctx context.Context, recon Reconciliation) error {
	tx.s.recons[recon.ID] = recon
	return nil
}

func (tx *memTx) GetReconciliationForUpdate(ctx context.Context, tenantID, reconID uuid.UUID) (Reconciliation, error) {
	return tx.s.GetReconciliation(ctx, tenantID, reconID)
}

func (tx *memTx) UpdateReconciliation(ctx context.Context, recon Reconciliation) error {
	tx.s.recons[recon.ID] = recon
	return nil
}

func (tx *memTx) InsertReconciliationItem(ctx context.Context, item ReconciliationItem) error {
	tx.s.items[item.ReconciliationID] = append(tx.s.items[item.ReconciliationID], item)
	return nil
}

func (tx *memTx) ListReconciliationItems(ctx context.Context, tenantID, reconID uuid.UUID) ([]ReconciliationItem, error) {
	return tx.s.ListReconciliationItems(ctx, tenantID, reconID)
}

func (tx *memTx) UpdateReconciliationItem(ctx context.Context, item ReconciliationItem) error {
	items := tx.s.items[item.ReconciliationID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	return fmt.Errorf("%w: reconciliation item", shared.ErrNotFound)
}

func (tx *memTx) Moves() stockmove.TxRepository {
	return &memMovesTx{s: tx.s}
}

type memMovesTx struct {
	s *memStore
}

func (tx *memMovesTx) InsertMove(ctx context.Context, move stockmove.Move) error {
	if tx.s.moveKeys[move.IdempotencyKey] {
		return stockmove.ErrDuplicateMove
	}
	tx.s.moveKeys[move.IdempotencyKey] = true
	tx.s.moves = append(tx.s.moves, move)
	return nil
}

func (tx *memMovesTx) AdjustLevel(ctx context.Context, tenantID, warehouseID, locationID, productID uuid.UUID, delta int64, expiry *time.Time) error {
	tx.s.levels[levelKey{location: locationID, product: productID}] += delta
	return nil
}

func (tx *memMovesTx) LocationQuantity(ctx context.Context, tenantID, locationID, productID uuid.UUID) (int64, error) {
	return tx.s.levels[levelKey{location: locationID, product: productID}], nil
}

func (tx *memMovesTx) ExistsAfter(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID, since time.Time) (bool, error) {
	wanted := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}
	for _, m := range tx.s.moves {
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

func (tx *memMovesTx) WarehouseQuantity(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) (int64, error) {
	var total int64
	for k, qty := range tx.s.levels {
		if k.product == productID {
			total += qty
		}
	}
	return total, nil
}

func (tx *memMovesTx) ListProductsAtLocation(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID) ([]stockmove.ProductStock, error) {
	wanted := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}
	out := []stockmove.ProductStock{}
	for k, qty := range tx.s.levels {
		if k.location != locationID || qty <= 0 {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[k.product]; !ok {
				continue
			}
		}
		out = append(out, stockmove.ProductStock{ProductID: k.product, Available: qty})
	}
	return out, nil
}

func (tx *memMovesTx) Valuation() valuation.TxRepository {
	return &memValTx{s: tx.s}
}

type memValTx struct {
	s *memStore
}

func (tx *memValTx) GetLedgerForUpdate(ctx context.Context, tenantID, productID uuid.UUID) (valuation.Ledger, error) {
	led, ok := tx.s.ledgers[productID]
	if !ok {
		return valuation.Ledger{}, valuation.ErrLedgerNotFound
	}
	return led, nil
}

func (tx *memValTx) UpdateLedger(ctx context.Context, led valuation.Ledger) error {
	tx.s.ledgers[led.ProductID] = led
	return nil
}

func (tx *memValTx) ListLayersForUpdate(ctx context.Context, tenantID, productID uuid.UUID) ([]valuation.CostLayer, error) {
	out := []valuation.CostLayer{}
	for _, l := range tx.s.layers {
		if l.ProductID == productID && l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

func (tx *memValTx) InsertLayer(ctx context.Context, layer valuation.CostLayer) error {
	tx.s.layers = append(tx.s.layers, layer)
	return nil
}

func (tx *memValTx) UpdateLayer(ctx context.Context, tenantID, layerID uuid.UUID, quantity, totalValue int64) error {
	for i := range tx.s.layers {
		if tx.s.layers[i].ID == layerID {
			tx.s.layers[i].Quantity = quantity
			tx.s.layers[i].TotalValue = totalValue
		}
	}
	return nil
}

func (tx *memValTx) DeleteLayer(ctx context.Context, tenantID, layerID uuid.UUID) error {
	for i := range tx.s.layers {
		if tx.s.layers[i].ID == layerID {
			tx.s.layers = append(tx.s.layers[:i], tx.s.layers[i+1:]...)
			return nil
		}
	}
	return nil
}

func (tx *memValTx) InsertHistory(ctx context.Context, entry valuation.HistoryEntry) error {
	tx.s.history = append(tx.s.history, entry)
	return nil
}

type memLocker struct {
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Acquire(ctx context.Context, key string) error {
	if l.held[key] {
		return fmt.Errorf("%w: reconciliation already in progress", shared.ErrConflict)
	}
	l.held[key] = true
	return nil
}

func (l *memLocker) Release(ctx context.Context, key string) {
	delete(l.held, key)
}

type memMetrics struct {
	counts map[string]int
}

func newMemMetrics() *memMetrics {
	return &memMetrics{counts: make(map[string]int)}
}

func (m *memMetrics) CountAdjustments(workflow string, n int) {
	m.counts[workflow] += n
}

var (
	testTenant    = uuid.New()
	testWarehouse = uuid.New()
	productX      = uuid.New()
	productY      = uuid.New()
	testBin       = uuid.New()
	otherBin      = uuid.New()
)

func testIdentity() shared.Identity {
	return shared.Identity{TenantID: testTenant, ActorID: uuid.New()}
}

func avcoLedger(productID uuid.UUID, qty, unitCost int64) valuation.Ledger {
	cost := unitCost
	return valuation.Ledger{
		TenantID:        testTenant,
		ProductID:       productID,
		Method:          valuation.MethodAVCO,
		CurrentUnitCost: &cost,
		TotalQuantity:   qty,
		TotalValue:      qty * unitCost,
	}
}

func newTestEnv() (*Service, *memStore, *memMetrics) {
	store := newMemStore()
	store.levels[levelKey{location: testBin, product: productX}] = 10
	store.levels[levelKey{location: testBin, product: productY}] = 5
	store.ledgers[productX] = avcoLedger(productX, 10, 100)
	store.ledgers[productY] = avcoLedger(productY, 5, 100)
	metrics := newMemMetrics()
	svc := NewService(store, nil, newMemLocker(), metrics, slog.New(slog.DiscardHandler))
	return svc, store, metrics
}

func lineFor(t *testing.T, lines []Line, productID uuid.UUID) Line {
	t.Helper()
	for _, l := range lines {
		if l.ProductID == productID {
			return l
		}
	}
	t.Fatalf("no line for product %s", productID)
	return Line{}
}

func preparedSession(t *testing.T, svc *Service) (Session, []Line) {
	t.Helper()
	ctx := context.Background()
	id := testIdentity()
	session, err := svc.CreateSession(ctx, id, CreateSessionInput{
		WarehouseID: testWarehouse,
		LocationID:  testBin,
		CountType:   CountTypeCycle,
	})
	require.NoError(t, err)
	lines, err := svc.GenerateLines(ctx, id, GenerateLinesInput{SessionID: session.ID})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	return session, lines
}

func TestSessionLifecycle(t *testing.T) {
	svc, store, metrics := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, lines := preparedSession(t, svc)
	require.Equal(t, StatusDraft, session.Status)
	require.True(t, strings.HasPrefix(session.SessionNumber, "CC-"))
	require.Equal(t, int64(10), lineFor(t, lines, productX).ExpectedQuantity)
	require.Equal(t, int64(5), lineFor(t, lines, productY).ExpectedQuantity)

	// Shortage of 2 on X, gain of 2 on Y.
	session, err := svc.SubmitCounts(ctx, id, session.ID, []LineCount{
		{LineID: lineFor(t, lines, productX).ID, CountedQuantity: 8},
		{LineID: lineFor(t, lines, productY).ID, CountedQuantity: 7},
	})
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, session.Status)

	session, err = svc.CloseSession(ctx, id, session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReadyToReconcile, session.Status)

	result, err := svc.Reconcile(ctx, id, session.ID, false)
	require.NoError(t, err)
	require.Equal(t, 2, result.MovesCreated)
	require.Equal(t, StatusReconciled, result.Status)
	require.NotEqual(t, uuid.Nil, result.AdjustmentID)

	require.Equal(t, int64(8), store.levels[levelKey{location: testBin, product: productX}])
	require.Equal(t, int64(7), store.levels[levelKey{location: testBin, product: productY}])
	require.Equal(t, int64(800), store.ledgers[productX].TotalValue)
	// The gain carries no unit cost and is valued at the running average.
	require.Equal(t, int64(700), store.ledgers[productY].TotalValue)
	require.Equal(t, 2, metrics.counts["cycle_count"])

	for _, m := range store.moves {
		require.Equal(t, stockmove.MoveTypeAdjustment, m.Type)
		require.Equal(t, stockmove.ReferenceCycleCount, m.ReferenceType)
		require.Equal(t, session.ID, *m.ReferenceID)
	}
}

func TestReconcileReplayReturnsStoredAdjustment(t *testing.T) {
	svc, _, metrics := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, lines := preparedSession(t, svc)
	_, err := svc.SubmitCounts(ctx, id, session.ID, []LineCount{
		{LineID: lines[0].ID, CountedQuantity: lines[0].ExpectedQuantity - 1},
		{LineID: lines[1].ID, CountedQuantity: lines[1].ExpectedQuantity},
	})
	require.NoError(t, err)
	_, err = svc.CloseSession(ctx, id, session.ID)
	require.NoError(t, err)

	first, err := svc.Reconcile(ctx, id, session.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, first.MovesCreated)

	replay, err := svc.Reconcile(ctx, id, session.ID, false)
	require.NoError(t, err)
	require.Equal(t, first.AdjustmentID, replay.AdjustmentID)
	require.Zero(t, replay.MovesCreated)
	require.Equal(t, 1, metrics.counts["cycle_count"])
}

func TestCloseSessionBlocksOnOpenLines(t *testing.T) {
	svc, _, _ := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, lines := preparedSession(t, svc)
	_, err := svc.SubmitCounts(ctx, id, session.ID, []LineCount{
		{LineID: lines[0].ID, CountedQuantity: 3},
	})
	require.NoError(t, err)

	_, err = svc.CloseSession(ctx, id, session.ID)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.SkipLines(ctx, id, session.ID, []uuid.UUID{lines[1].ID})
	require.NoError(t, err)
	session, err = svc.CloseSession(ctx, id, session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReadyToReconcile, session.Status)
}

func TestReconcileInterferenceGuard(t *testing.T) {
	svc, store, _ := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, lines := preparedSession(t, svc)
	_, err := svc.SubmitCounts(ctx, id, session.ID, []LineCount{
		{LineID: lineFor(t, lines, productX).ID, CountedQuantity: 4},
		{LineID: lineFor(t, lines, productY).ID, CountedQuantity: 5},
	})
	require.NoError(t, err)
	_, err = svc.CloseSession(ctx, id, session.ID)
	require.NoError(t, err)

	// A receipt lands at the counted location after the snapshot.
	store.moves = append(store.moves, stockmove.Move{
		ID: uuid.New(), TenantID: testTenant, ProductID: productX, WarehouseID: testWarehouse,
		DestinationLocationID: &testBin, Type: stockmove.MoveTypeReceipt,
		Quantity: 3, MoveDate: time.Now().UTC().Add(time.Minute),
	})

	_, err = svc.Reconcile(ctx, id, session.ID, false)
	require.ErrorIs(t, err, shared.ErrValidation)

	result, err := svc.Reconcile(ctx, id, session.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, result.MovesCreated)
}

func TestReconcileRequiresReadyStatus(t *testing.T) {
	svc, _, _ := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, _ := preparedSession(t, svc)
	_, err := svc.Reconcile(ctx, id, session.ID, false)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReconcileLockHeld(t *testing.T) {
	store := newMemStore()
	locker := newMemLocker()
	svc := NewService(store, nil, locker, newMemMetrics(), slog.New(slog.DiscardHandler))
	ctx := context.Background()
	id := testIdentity()
	sessionID := uuid.New()

	require.NoError(t, locker.Acquire(ctx, shared.ReconcileLockKey(id.TenantID, sessionID)))
	_, err := svc.Reconcile(ctx, id, sessionID, false)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestSubmitCountsRejectsNegative(t *testing.T) {
	svc, _, _ := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, lines := preparedSession(t, svc)
	_, err := svc.SubmitCounts(ctx, id, session.ID, []LineCount{
		{LineID: lines[0].ID, CountedQuantity: -1},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestGenerateLinesReplacesWhenAsked(t *testing.T) {
	svc, store, _ := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, _ := preparedSession(t, svc)
	store.levels[levelKey{location: testBin, product: productX}] = 12

	lines, err := svc.GenerateLines(ctx, id, GenerateLinesInput{SessionID: session.ID, ReplaceExisting: true})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, int64(12), lineFor(t, lines, productX).ExpectedQuantity)
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusDraft, StatusInProgress, true},
		{StatusDraft, StatusCancelled, true},
		{StatusDraft, StatusReconciled, false},
		{StatusInProgress, StatusReadyToReconcile, true},
		{StatusInProgress, StatusDraft, false},
		{StatusReadyToReconcile, StatusInProgress, true},
		{StatusReadyToReconcile, StatusReconciled, true},
		{StatusReconciled, StatusCancelled, false},
		{StatusCancelled, StatusDraft, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCancelSession(t *testing.T) {
	svc, _, _ := newTestEnv()
	ctx := context.Background()
	id := testIdentity()

	session, _ := preparedSession(t, svc)
	session, err := svc.CancelSession(ctx, id, session.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, session.Status)

	_, err = svc.CancelSession(ctx, id, session.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

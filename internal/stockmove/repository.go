package stockmove

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian/internal/platform/db"
	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/valuation"
)

// Repository persists stock moves and levels in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional move and level operations.
// Valuation gives access to the costing ledger inside the same transaction
// so a posted adjustment and its valuation effect commit together.
type TxRepository interface {
	InsertMove(ctx context.Context, move Move) error
	AdjustLevel(ctx context.Context, tenantID, warehouseID, locationID, productID uuid.UUID, delta int64, expiry *time.Time) error
	ExistsAfter(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID, since time.Time) (bool, error)
	LocationQuantity(ctx context.Context, tenantID, locationID, productID uuid.UUID) (int64, error)
	WarehouseQuantity(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) (int64, error)
	ListProductsAtLocation(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID) ([]ProductStock, error)
	Valuation() valuation.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewTx wraps an open transaction with the stock move operations.
func NewTx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stockmove repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const moveColumns = `id, tenant_id, product_id, warehouse_id, source_location_id, destination_location_id, move_type, quantity, unit_cost, reference_type, reference_id, idempotency_key, reason, lot_number, expiry_date, move_date, created_by`

// FindByReference lists moves posted for a workflow entity.
func (r *Repository) FindByReference(ctx context.Context, tenantID uuid.UUID, referenceType string, referenceID uuid.UUID) ([]Move, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+moveColumns+` FROM stock_moves
WHERE tenant_id=$1 AND reference_type=$2 AND reference_id=$3
ORDER BY move_date ASC, id ASC`, tenantID, referenceType, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMoves(rows)
}

// ExistsAfter reports whether any move touched the given products at the
// location after the cutoff. Used as the reconciliation interference probe.
func (r *Repository) ExistsAfter(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID, since time.Time) (bool, error) {
	return existsAfter(ctx, r.pool, tenantID, locationID, productIDs, since)
}

func existsAfter(ctx context.Context, q querier, tenantID, locationID uuid.UUID, productIDs []uuid.UUID, since time.Time) (bool, error) {
	if len(productIDs) == 0 {
		return false, nil
	}
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM stock_moves
WHERE tenant_id=$1
  AND (source_location_id=$2 OR destination_location_id=$2)
  AND product_id = ANY($3)
  AND move_date > $4)`, tenantID, locationID, productIDs, since).Scan(&exists)
	return exists, err
}

// AvailableQuantity returns the on-hand quantity at one location.
func (r *Repository) AvailableQuantity(ctx context.Context, tenantID, locationID, productID uuid.UUID) (int64, error) {
	return locationQuantity(ctx, r.pool, tenantID, locationID, productID)
}

func locationQuantity(ctx context.Context, q querier, tenantID, locationID, productID uuid.UUID) (int64, error) {
	var qty int64
	err := q.QueryRow(ctx, `SELECT available_quantity FROM stock_levels
WHERE tenant_id=$1 AND location_id=$2 AND product_id=$3`, tenantID, locationID, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// WarehouseQuantity sums bin level stock of a product across one warehouse.
func (r *Repository) WarehouseQuantity(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) (int64, error) {
	return warehouseQuantity(ctx, r.pool, tenantID, warehouseID, productID)
}

func warehouseQuantity(ctx context.Context, q querier, tenantID, warehouseID, productID uuid.UUID) (int64, error) {
	var qty int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(available_quantity), 0) FROM stock_levels
WHERE tenant_id=$1 AND warehouse_id=$2 AND product_id=$3`, tenantID, warehouseID, productID).Scan(&qty)
	return qty, err
}

// ListLocationsWithStock returns locations holding the product in a
// warehouse, positive quantities only.
func (r *Repository) ListLocationsWithStock(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) ([]LocationStock, error) {
	rows, err := r.pool.Query(ctx, `SELECT location_id, available_quantity, expiry_date, last_receipt_date
FROM stock_levels
WHERE tenant_id=$1 AND warehouse_id=$2 AND product_id=$3 AND available_quantity > 0
ORDER BY location_id`, tenantID, warehouseID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []LocationStock{}
	for rows.Next() {
		var ls LocationStock
		if err := rows.Scan(&ls.LocationID, &ls.Available, &ls.ExpiryDate, &ls.LastReceiptDate); err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// ListProductsAtLocation returns products with positive stock at one
// location, optionally filtered to a product subset.
func (r *Repository) ListProductsAtLocation(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID) ([]ProductStock, error) {
	return listProductsAtLocation(ctx, r.pool, tenantID, locationID, productIDs)
}

func listProductsAtLocation(ctx context.Context, q querier, tenantID, locationID uuid.UUID, productIDs []uuid.UUID) ([]ProductStock, error) {
	sql := `SELECT product_id, available_quantity FROM stock_levels
WHERE tenant_id=$1 AND location_id=$2 AND available_quantity > 0`
	args := []any{tenantID, locationID}
	if len(productIDs) > 0 {
		sql += ` AND product_id = ANY($3)`
		args = append(args, productIDs)
	}
	sql += ` ORDER BY product_id`
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ProductStock{}
	for rows.Next() {
		var ps ProductStock
		if err := rows.Scan(&ps.ProductID, &ps.Available); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func scanMoves(rows pgx.Rows) ([]Move, error) {
	moves := []Move{}
	for rows.Next() {
		var m Move
		var moveType string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ProductID, &m.WarehouseID, &m.SourceLocationID, &m.DestinationLocationID, &moveType, &m.Quantity, &m.UnitCost, &m.ReferenceType, &m.ReferenceID, &m.IdempotencyKey, &m.Reason, &m.LotNumber, &m.ExpiryDate, &m.MoveDate, &m.CreatedBy); err != nil {
			return nil, err
		}
		parsed, err := MoveTypeFromStore(moveType)
		if err != nil {
			return nil, err
		}
		m.Type = parsed
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

func (r *txRepository) InsertMove(ctx context.Context, move Move) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_moves (`+moveColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		move.ID, move.TenantID, move.ProductID, move.WarehouseID, move.SourceLocationID, move.DestinationLocationID,
		string(move.Type), move.Quantity, move.UnitCost, move.ReferenceType, move.ReferenceID, move.IdempotencyKey,
		move.Reason, move.LotNumber, move.ExpiryDate, move.MoveDate, move.CreatedBy)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return ErrDuplicateMove
		}
		return err
	}
	return nil
}

// AdjustLevel upserts the level row. Positive deltas are receipts and
// stamp last_receipt_date; an expiry, when known, replaces the stored one.
func (r *txRepository) AdjustLevel(ctx context.Context, tenantID, warehouseID, locationID, productID uuid.UUID, delta int64, expiry *time.Time) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_levels (tenant_id, warehouse_id, location_id, product_id, available_quantity, last_receipt_date, expiry_date, updated_at)
VALUES ($1,$2,$3,$4,$5, CASE WHEN $5::bigint > 0 THEN NOW() END, $6, NOW())
ON CONFLICT (tenant_id, location_id, product_id)
DO UPDATE SET available_quantity = stock_levels.available_quantity + EXCLUDED.available_quantity,
  last_receipt_date = COALESCE(EXCLUDED.last_receipt_date, stock_levels.last_receipt_date),
  expiry_date = COALESCE(EXCLUDED.expiry_date, stock_levels.expiry_date),
  updated_at = NOW()`,
		tenantID, warehouseID, locationID, productID, delta, expiry)
	return err
}

func (r *txRepository) LocationQuantity(ctx context.Context, tenantID, locationID, productID uuid.UUID) (int64, error) {
	return locationQuantity(ctx, r.tx, tenantID, locationID, productID)
}

func (r *txRepository) ExistsAfter(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID, since time.Time) (bool, error) {
	return existsAfter(ctx, r.tx, tenantID, locationID, productIDs, since)
}

func (r *txRepository) WarehouseQuantity(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) (int64, error) {
	return warehouseQuantity(ctx, r.tx, tenantID, warehouseID, productID)
}

func (r *txRepository) ListProductsAtLocation(ctx context.Context, tenantID, locationID uuid.UUID, productIDs []uuid.UUID) ([]ProductStock, error) {
	return listProductsAtLocation(ctx, r.tx, tenantID, locationID, productIDs)
}

func (r *txRepository) Valuation() valuation.TxRepository {
	return valuation.NewTx(r.tx)
}

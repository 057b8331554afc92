package valuation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian/internal/platform/db"
	"github.com/meridian-wms/meridian/internal/shared"
)

// Repository persists valuation data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by ApplyMove and
// the service. The counting workflows reuse it through NewTx so adjustment
// posting and valuation updates commit atomically.
type TxRepository interface {
	GetLedgerForUpdate(ctx context.Context, tenantID, productID uuid.UUID) (Ledger, error)
	UpdateLedger(ctx context.Context, led Ledger) error
	ListLayersForUpdate(ctx context.Context, tenantID, productID uuid.UUID) ([]CostLayer, error)
	InsertLayer(ctx context.Context, layer CostLayer) error
	UpdateLayer(ctx context.Context, tenantID, layerID uuid.UUID, quantity, totalValue int64) error
	DeleteLayer(ctx context.Context, tenantID, layerID uuid.UUID) error
	InsertHistory(ctx context.Context, entry HistoryEntry) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTx wraps an open transaction with the valuation operations.
func NewTx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("valuation repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const ledgerColumns = `tenant_id, product_id, method, current_unit_cost, total_quantity, total_value, standard_cost, last_updated, updated_by`

func scanLedger(row pgx.Row) (Ledger, error) {
	var led Ledger
	var method string
	err := row.Scan(&led.TenantID, &led.ProductID, &method, &led.CurrentUnitCost, &led.TotalQuantity, &led.TotalValue, &led.StandardCost, &led.LastUpdated, &led.UpdatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ledger{}, ErrLedgerNotFound
		}
		return Ledger{}, err
	}
	led.Method, err = MethodFromStore(method)
	if err != nil {
		return Ledger{}, err
	}
	return led, nil
}

// GetLedger loads the valuation ledger for one product.
func (r *Repository) GetLedger(ctx context.Context, tenantID, productID uuid.UUID) (Ledger, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM valuation_ledgers WHERE tenant_id=$1 AND product_id=$2`, tenantID, productID)
	return scanLedger(row)
}

// ListLayers returns active layers ordered oldest first.
func (r *Repository) ListLayers(ctx context.Context, tenantID, productID uuid.UUID) ([]CostLayer, error) {
	return queryLayers(ctx, r.pool, tenantID, productID, false)
}

// LayerTotalQuantity sums active layer quantity. Under FIFO this must
// equal the ledger total quantity.
func (r *Repository) LayerTotalQuantity(ctx context.Context, tenantID, productID uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM cost_layers WHERE tenant_id=$1 AND product_id=$2 AND quantity > 0`, tenantID, productID).Scan(&total)
	return total, err
}

// History returns snapshots newest first together with the total count.
func (r *Repository) History(ctx context.Context, tenantID, productID uuid.UUID, page shared.Pagination) ([]HistoryEntry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM valuation_history WHERE tenant_id=$1 AND product_id=$2`, tenantID, productID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, product_id, method, unit_cost, total_quantity, total_value, changed_by, change_reason, changed_at
FROM valuation_history
WHERE tenant_id=$1 AND product_id=$2
ORDER BY changed_at DESC, id DESC
LIMIT $3 OFFSET $4`, tenantID, productID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var method string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ProductID, &method, &e.UnitCost, &e.TotalQuantity, &e.TotalValue, &e.ChangedBy, &e.ChangeReason, &e.ChangedAt); err != nil {
			return nil, 0, err
		}
		if e.Method, err = MethodFromStore(method); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DeleteEmptyLayers purges zero quantity layers across all tenants.
func (r *Repository) DeleteEmptyLayers(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cost_layers WHERE quantity = 0`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLayers(ctx context.Context, q querier, tenantID, productID uuid.UUID, forUpdate bool) ([]CostLayer, error) {
	sql := `SELECT id, tenant_id, product_id, quantity, unit_cost, total_value, created_at
FROM cost_layers
WHERE tenant_id=$1 AND product_id=$2 AND quantity > 0
ORDER BY created_at ASC, id ASC`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, tenantID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	layers := []CostLayer{}
	for rows.Next() {
		var layer CostLayer
		if err := rows.Scan(&layer.ID, &layer.TenantID, &layer.ProductID, &layer.Quantity, &layer.UnitCost, &layer.TotalValue, &layer.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return layers, nil
}

func (r *txRepository) GetLedgerForUpdate(ctx context.Context, tenantID, productID uuid.UUID) (Ledger, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM valuation_ledgers WHERE tenant_id=$1 AND product_id=$2 FOR UPDATE`, tenantID, productID)
	return scanLedger(row)
}

func (r *txRepository) UpdateLedger(ctx context.Context, led Ledger) error {
	_, err := r.tx.Exec(ctx, `UPDATE valuation_ledgers
SET method=$3, current_unit_cost=$4, total_quantity=$5, total_value=$6, standard_cost=$7, last_updated=NOW(), updated_by=$8
WHERE tenant_id=$1 AND product_id=$2`,
		led.TenantID, led.ProductID, string(led.Method), led.CurrentUnitCost, led.TotalQuantity, led.TotalValue, led.StandardCost, led.UpdatedBy)
	return err
}

func (r *txRepository) ListLayersForUpdate(ctx context.Context, tenantID, productID uuid.UUID) ([]CostLayer, error) {
	return queryLayers(ctx, r.tx, tenantID, productID, true)
}

func (r *txRepository) InsertLayer(ctx context.Context, layer CostLayer) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO cost_layers (id, tenant_id, product_id, quantity, unit_cost, total_value, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, layer.ID, layer.TenantID, layer.ProductID, layer.Quantity, layer.UnitCost, layer.TotalValue, layer.CreatedAt)
	return err
}

func (r *txRepository) UpdateLayer(ctx context.Context, tenantID, layerID uuid.UUID, quantity, totalValue int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE cost_layers SET quantity=$3, total_value=$4 WHERE tenant_id=$1 AND id=$2`, tenantID, layerID, quantity, totalValue)
	return err
}

func (r *txRepository) DeleteLayer(ctx context.Context, tenantID, layerID uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM cost_layers WHERE tenant_id=$1 AND id=$2`, tenantID, layerID)
	return err
}

func (r *txRepository) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO valuation_history (id, tenant_id, product_id, method, unit_cost, total_quantity, total_value, changed_by, change_reason, changed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.ID, entry.TenantID, entry.ProductID, string(entry.Method), entry.UnitCost, entry.TotalQuantity, entry.TotalValue, entry.ChangedBy, entry.ChangeReason, entry.ChangedAt)
	return err
}

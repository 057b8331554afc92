package counting

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian/internal/platform/db"
	"github.com/meridian-wms/meridian/internal/stockmove"
)

// Repository persists count sessions and reconciliations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional counting operations. Moves
// gives access to stock posting inside the same transaction so the
// adjustment moves and the session status flip commit together.
type TxRepository interface {
	InsertSession(ctx context.Context, session Session) error
	GetSessionForUpdate(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error)
	UpdateSession(ctx context.Context, session Session) error
	InsertLine(ctx context.Context, line Line) error
	UpdateLine(ctx context.Context, line Line) error
	DeleteLines(ctx context.Context, tenantID, sessionID uuid.UUID) error
	ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]Line, error)

	InsertReconciliation(ctx context.Context, recon Reconciliation) error
	GetReconciliationForUpdate(ctx context.Context, tenantID, reconID uuid.UUID) (Reconciliation, error)
	UpdateReconciliation(ctx context.Context, recon Reconciliation) error
	InsertReconciliationItem(ctx context.Context, item ReconciliationItem) error
	UpdateReconciliationItem(ctx context.Context, item ReconciliationItem) error
	ListReconciliationItems(ctx context.Context, tenantID, reconID uuid.UUID) ([]ReconciliationItem, error)

	Moves() stockmove.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

// NewTx wraps an existing transaction in the counting surface.
func NewTx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx runs fn inside a repeatable read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("counting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const sessionColumns = `id, tenant_id, warehouse_id, location_id, session_number, count_type, status, as_of, notes, adjustment_id, created_by, created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var countType, status string
	err := row.Scan(&s.ID, &s.TenantID, &s.WarehouseID, &s.LocationID, &s.SessionNumber, &countType, &status,
		&s.AsOf, &s.Notes, &s.AdjustmentID, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.CountType = CountType(countType)
	s.Status, err = StatusFromStore(status)
	return s, err
}

// GetSession loads one session by id.
func (r *Repository) GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM count_sessions
WHERE tenant_id=$1 AND id=$2`, tenantID, sessionID)
	return scanSession(row)
}

// ListSessions pages through a tenant's sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Session, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM count_sessions WHERE tenant_id=$1`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM count_sessions
WHERE tenant_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

const lineColumns = `id, session_id, tenant_id, product_id, expected_quantity, counted_quantity, difference, status, counted_by, counted_at`

func queryLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, tenantID, sessionID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM count_lines
WHERE tenant_id=$1 AND session_id=$2 ORDER BY product_id`, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		var l Line
		var status string
		if err := rows.Scan(&l.ID, &l.SessionID, &l.TenantID, &l.ProductID, &l.ExpectedQuantity,
			&l.CountedQuantity, &l.Difference, &status, &l.CountedBy, &l.CountedAt); err != nil {
			return nil, err
		}
		l.Status = LineStatus(status)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListLines returns the lines of one session.
func (r *Repository) ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]Line, error) {
	return queryLines(ctx, r.pool, tenantID, sessionID)
}

const reconColumns = `id, tenant_id, warehouse_id, cycle_type, status, notes, approved_by, approved_at, created_by, created_at, updated_at`

func scanReconciliation(row pgx.Row) (Reconciliation, error) {
	var rec Reconciliation
	var cycleType, status string
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.WarehouseID, &cycleType, &status, &rec.Notes,
		&rec.ApprovedBy, &rec.ApprovedAt, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reconciliation{}, ErrReconciliationNotFound
	}
	if err != nil {
		return Reconciliation{}, err
	}
	rec.CycleType = CycleType(cycleType)
	rec.Status, err = ReconStatusFromStore(status)
	return rec, err
}

// GetReconciliation loads one reconciliation batch by id.
func (r *Repository) GetReconciliation(ctx context.Context, tenantID, reconID uuid.UUID) (Reconciliation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reconColumns+` FROM stock_reconciliations
WHERE tenant_id=$1 AND id=$2`, tenantID, reconID)
	return scanReconciliation(row)
}

// ListReconciliations pages through a tenant's batches, newest first.
func (r *Repository) ListReconciliations(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Reconciliation, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_reconciliations WHERE tenant_id=$1`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+reconColumns+` FROM stock_reconciliations
WHERE tenant_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	recons := []Reconciliation{}
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, 0, err
		}
		recons = append(recons, rec)
	}
	return recons, total, rows.Err()
}

const reconItemColumns = `id, reconciliation_id, tenant_id, product_id, expected_quantity, counted_quantity, difference, counted_at`

func queryReconItems(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, tenantID, reconID uuid.UUID) ([]ReconciliationItem, error) {
	rows, err := q.Query(ctx, `SELECT `+reconItemColumns+` FROM stock_reconciliation_items
WHERE tenant_id=$1 AND reconciliation_id=$2 ORDER BY product_id`, tenantID, reconID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ReconciliationItem{}
	for rows.Next() {
		var item ReconciliationItem
		if err := rows.Scan(&item.ID, &item.ReconciliationID, &item.TenantID, &item.ProductID,
			&item.ExpectedQuantity, &item.CountedQuantity, &item.Difference, &item.CountedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListReconciliationItems returns the items of one batch.
func (r *Repository) ListReconciliationItems(ctx context.Context, tenantID, reconID uuid.UUID) ([]ReconciliationItem, error) {
	return queryReconItems(ctx, r.pool, tenantID, reconID)
}

func (r *txRepository) InsertSession(ctx context.Context, s Session) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO count_sessions (`+sessionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, s.TenantID, s.WarehouseID, s.LocationID, s.SessionNumber, string(s.CountType), string(s.Status),
		s.AsOf, s.Notes, s.AdjustmentID, s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *txRepository) GetSessionForUpdate(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM count_sessions
WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, sessionID)
	return scanSession(row)
}

func (r *txRepository) UpdateSession(ctx context.Context, s Session) error {
	_, err := r.tx.Exec(ctx, `UPDATE count_sessions
SET status=$3, notes=$4, adjustment_id=$5, updated_at=$6
WHERE tenant_id=$1 AND id=$2`,
		s.TenantID, s.ID, string(s.Status), s.Notes, s.AdjustmentID, s.UpdatedAt)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, l Line) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO count_lines (`+lineColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, l.SessionID, l.TenantID, l.ProductID, l.ExpectedQuantity,
		l.CountedQuantity, l.Difference, string(l.Status), l.CountedBy, l.CountedAt)
	return err
}

func (r *txRepository) UpdateLine(ctx context.Context, l Line) error {
	_, err := r.tx.Exec(ctx, `UPDATE count_lines
SET counted_quantity=$3, difference=$4, status=$5, counted_by=$6, counted_at=$7
WHERE tenant_id=$1 AND id=$2`,
		l.TenantID, l.ID, l.CountedQuantity, l.Difference, string(l.Status), l.CountedBy, l.CountedAt)
	return err
}

func (r *txRepository) DeleteLines(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM count_lines WHERE tenant_id=$1 AND session_id=$2`, tenantID, sessionID)
	return err
}

func (r *txRepository) ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]Line, error) {
	return queryLines(ctx, r.tx, tenantID, sessionID)
}

func (r *txRepository) InsertReconciliation(ctx context.Context, rec Reconciliation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_reconciliations (`+reconColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.TenantID, rec.WarehouseID, string(rec.CycleType), string(rec.Status), rec.Notes,
		rec.ApprovedBy, rec.ApprovedAt, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r *txRepository) GetReconciliationForUpdate(ctx context.Context, tenantID, reconID uuid.UUID) (Reconciliation, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+reconColumns+` FROM stock_reconciliations
WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, reconID)
	return scanReconciliation(row)
}

func (r *txRepository) UpdateReconciliation(ctx context.Context, rec Reconciliation) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_reconciliations
SET status=$3, notes=$4, approved_by=$5, approved_at=$6, updated_at=$7
WHERE tenant_id=$1 AND id=$2`,
		rec.TenantID, rec.ID, string(rec.Status), rec.Notes, rec.ApprovedBy, rec.ApprovedAt, rec.UpdatedAt)
	return err
}

func (r *txRepository) ListReconciliationItems(ctx context.Context, tenantID, reconID uuid.UUID) ([]ReconciliationItem, error) {
	return queryReconItems(ctx, r.tx, tenantID, reconID)
}

func (r *txRepository) InsertReconciliationItem(ctx context.Context, item ReconciliationItem) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_reconciliation_items (`+reconItemColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		item.ID, item.ReconciliationID, item.TenantID, item.ProductID,
		item.ExpectedQuantity, item.CountedQuantity, item.Difference, item.CountedAt)
	return err
}

func (r *txRepository) UpdateReconciliationItem(ctx context.Context, item ReconciliationItem) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_reconciliation_items
SET counted_quantity=$3, difference=$4, counted_at=$5
WHERE tenant_id=$1 AND id=$2`,
		item.TenantID, item.ID, item.CountedQuantity, item.Difference, item.CountedAt)
	return err
}

func (r *txRepository) Moves() stockmove.TxRepository {
	return stockmove.NewTx(r.tx)
}

package removal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists removal strategies in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const strategyColumns = `id, tenant_id, name, strategy_type, warehouse_id, product_id, active, config, created_at, updated_at`

func scanStrategy(row pgx.Row) (Strategy, error) {
	var s Strategy
	var strategyType string
	var configJSON []byte
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &strategyType, &s.WarehouseID, &s.ProductID,
		&s.Active, &configJSON, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Strategy{}, ErrStrategyNotFound
	}
	if err != nil {
		return Strategy{}, err
	}
	if s.Type, err = StrategyTypeFromStore(strategyType); err != nil {
		return Strategy{}, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &s.Config); err != nil {
			return Strategy{}, err
		}
	}
	return s, nil
}

// Insert stores a new strategy.
func (r *Repository) Insert(ctx context.Context, s Strategy) error {
	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO removal_strategies (`+strategyColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.TenantID, s.Name, string(s.Type), s.WarehouseID, s.ProductID,
		s.Active, configJSON, s.CreatedAt, s.UpdatedAt)
	return err
}

// Update rewrites the mutable fields of a strategy.
func (r *Repository) Update(ctx context.Context, s Strategy) error {
	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE removal_strategies
SET name=$3, active=$4, config=$5, updated_at=$6
WHERE tenant_id=$1 AND id=$2`,
		s.TenantID, s.ID, s.Name, s.Active, configJSON, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStrategyNotFound
	}
	return nil
}

// Get loads one strategy by id.
func (r *Repository) Get(ctx context.Context, tenantID, strategyID uuid.UUID) (Strategy, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+strategyColumns+` FROM removal_strategies
WHERE tenant_id=$1 AND id=$2`, tenantID, strategyID)
	return scanStrategy(row)
}

// List returns all strategies of a tenant, newest first.
func (r *Repository) List(ctx context.Context, tenantID uuid.UUID) ([]Strategy, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+strategyColumns+` FROM removal_strategies
WHERE tenant_id=$1 ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrategies(rows)
}

// ListActiveForScope returns active strategies whose scope covers the
// warehouse/product pair. The service ranks them by specificity.
func (r *Repository) ListActiveForScope(ctx context.Context, tenantID uuid.UUID, warehouseID, productID uuid.UUID) ([]Strategy, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+strategyColumns+` FROM removal_strategies
WHERE tenant_id=$1 AND active
  AND (warehouse_id IS NULL OR warehouse_id=$2)
  AND (product_id IS NULL OR product_id=$3)`, tenantID, warehouseID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrategies(rows)
}

func collectStrategies(rows pgx.Rows) ([]Strategy, error) {
	out := []Strategy{}
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

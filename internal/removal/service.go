package removal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/stockmove"
)

// RepositoryPort is the storage surface the service depends on.
type RepositoryPort interface {
	Insert(ctx context.Context, strategy Strategy) error
	Update(ctx context.Context, strategy Strategy) error
	Get(ctx context.Context, tenantID, strategyID uuid.UUID) (Strategy, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]Strategy, error)
	ListActiveForScope(ctx context.Context, tenantID uuid.UUID, warehouseID, productID uuid.UUID) ([]Strategy, error)
}

// LevelsPort reads the stock level snapshot suggestions are built from.
type LevelsPort interface {
	ListLocationsWithStock(ctx context.Context, tenantID, warehouseID, productID uuid.UUID) ([]stockmove.LocationStock, error)
}

// Service manages removal strategies and builds pick suggestions.
type Service struct {
	repo   RepositoryPort
	levels LevelsPort
	logger *slog.Logger
}

func NewService(repo RepositoryPort, levels LevelsPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, levels: levels, logger: logger}
}

// CreateStrategyInput carries the fields needed to register a strategy.
type CreateStrategyInput struct {
	Name        string
	Type        StrategyType
	WarehouseID *uuid.UUID
	ProductID   *uuid.UUID
	Config      Config
}

// CreateStrategy registers a new active strategy.
func (s *Service) CreateStrategy(ctx context.Context, id shared.Identity, in CreateStrategyInput) (Strategy, error) {
	if in.Name == "" {
		return Strategy{}, fmt.Errorf("%w: strategy name is required", shared.ErrValidation)
	}
	if in.Config.FEFOBufferDays < 0 {
		return Strategy{}, fmt.Errorf("%w: fefo buffer days cannot be negative", shared.ErrValidation)
	}

	now := time.Now().UTC()
	strategy := Strategy{
		ID:          uuid.New(),
		TenantID:    id.TenantID,
		Name:        in.Name,
		Type:        in.Type,
		WarehouseID: in.WarehouseID,
		ProductID:   in.ProductID,
		Active:      true,
		Config:      in.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, strategy); err != nil {
		return Strategy{}, err
	}
	return strategy, nil
}

// UpdateStrategyInput carries mutable strategy fields.
type UpdateStrategyInput struct {
	Name   string
	Active bool
	Config Config
}

// UpdateStrategy changes the name, active flag and config of a strategy.
// Type and scope are fixed at creation.
func (s *Service) UpdateStrategy(ctx context.Context, id shared.Identity, strategyID uuid.UUID, in UpdateStrategyInput) (Strategy, error) {
	strategy, err := s.repo.Get(ctx, id.TenantID, strategyID)
	if err != nil {
		return Strategy{}, err
	}
	if in.Name == "" {
		return Strategy{}, fmt.Errorf("%w: strategy name is required", shared.ErrValidation)
	}
	if in.Config.FEFOBufferDays < 0 {
		return Strategy{}, fmt.Errorf("%w: fefo buffer days cannot be negative", shared.ErrValidation)
	}
	strategy.Name = in.Name
	strategy.Active = in.Active
	strategy.Config = in.Config
	strategy.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, strategy); err != nil {
		return Strategy{}, err
	}
	return strategy, nil
}

// DeleteStrategy deactivates a strategy. The row is kept so existing
// suggestions stay attributable to the strategy that produced them.
func (s *Service) DeleteStrategy(ctx context.Context, id shared.Identity, strategyID uuid.UUID) error {
	strategy, err := s.repo.Get(ctx, id.TenantID, strategyID)
	if err != nil {
		return err
	}
	if !strategy.Active {
		return nil
	}
	strategy.Active = false
	strategy.UpdatedAt = time.Now().UTC()
	return s.repo.Update(ctx, strategy)
}

// GetStrategy loads one strategy.
func (s *Service) GetStrategy(ctx context.Context, id shared.Identity, strategyID uuid.UUID) (Strategy, error) {
	return s.repo.Get(ctx, id.TenantID, strategyID)
}

// ListStrategies lists a tenant's strategies.
func (s *Service) ListStrategies(ctx context.Context, id shared.Identity) ([]Strategy, error) {
	return s.repo.List(ctx, id.TenantID)
}

// ResolveStrategy picks the most specific active strategy for a
// warehouse/product pair. Scope order: warehouse+product, warehouse,
// product, tenant default. Newest wins within a scope.
func (s *Service) ResolveStrategy(ctx context.Context, id shared.Identity, warehouseID, productID uuid.UUID) (*Strategy, error) {
	candidates, err := s.repo.ListActiveForScope(ctx, id.TenantID, warehouseID, productID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].scopeRank(), candidates[j].scopeRank()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	best := candidates[0]
	return &best, nil
}

// SuggestInput describes a removal request. ForceStrategyID bypasses
// scope resolution and applies the named strategy directly.
type SuggestInput struct {
	WarehouseID     uuid.UUID
	ProductID       uuid.UUID
	Quantity        int64
	ForceStrategyID *uuid.UUID
}

// Suggest builds a pick list for the requested quantity. Locations are
// ordered by the resolved strategy, FIFO when none is configured, and
// stock is taken greedily. A shortfall yields a partial suggestion with
// CanFulfill false rather than an error.
func (s *Service) Suggest(ctx context.Context, id shared.Identity, in SuggestInput) (Suggestion, error) {
	if in.Quantity <= 0 {
		return Suggestion{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	if in.WarehouseID == uuid.Nil || in.ProductID == uuid.Nil {
		return Suggestion{}, fmt.Errorf("%w: warehouse and product are required", shared.ErrValidation)
	}

	var strategy *Strategy
	if in.ForceStrategyID != nil {
		forced, err := s.repo.Get(ctx, id.TenantID, *in.ForceStrategyID)
		if err != nil {
			return Suggestion{}, err
		}
		strategy = &forced
	} else {
		resolved, err := s.ResolveStrategy(ctx, id, in.WarehouseID, in.ProductID)
		if err != nil {
			return Suggestion{}, err
		}
		strategy = resolved
	}
	strategyType := StrategyFIFO
	var cfg Config
	out := Suggestion{Requested: in.Quantity, Lines: []SuggestionLine{}}
	if strategy != nil {
		strategyType = strategy.Type
		cfg = strategy.Config
		out.StrategyID = &strategy.ID
	}
	out.StrategyType = strategyType

	stocks, err := s.levels.ListLocationsWithStock(ctx, id.TenantID, in.WarehouseID, in.ProductID)
	if err != nil {
		return Suggestion{}, err
	}

	stocks = filterCandidates(strategyType, cfg, stocks, time.Now().UTC())
	orderCandidates(strategyType, cfg, stocks)

	remaining := in.Quantity
	for _, st := range stocks {
		if remaining <= 0 {
			break
		}
		take := st.Available
		if take > remaining {
			take = remaining
		}
		out.Lines = append(out.Lines, SuggestionLine{
			LocationID: st.LocationID,
			Quantity:   take,
			Available:  st.Available,
			ExpiryDate: st.ExpiryDate,
		})
		out.TotalSuggested += take
		remaining -= take
	}
	out.CanFulfill = remaining == 0

	if !out.CanFulfill && s.logger != nil {
		s.logger.InfoContext(ctx, "partial removal suggestion",
			slog.String("product_id", in.ProductID.String()),
			slog.Int64("requested", in.Quantity),
			slog.Int64("suggested", out.TotalSuggested))
	}
	return out, nil
}

// filterCandidates drops stock a strategy may not touch. FEFO excludes
// stock expiring inside the configured buffer window.
func filterCandidates(t StrategyType, cfg Config, stocks []stockmove.LocationStock, now time.Time) []stockmove.LocationStock {
	if t != StrategyFEFO || cfg.FEFOBufferDays <= 0 {
		return stocks
	}
	cutoff := now.AddDate(0, 0, cfg.FEFOBufferDays)
	out := stocks[:0]
	for _, st := range stocks {
		if st.ExpiryDate != nil && st.ExpiryDate.Before(cutoff) {
			continue
		}
		out = append(out, st)
	}
	return out
}

func orderCandidates(t StrategyType, cfg Config, stocks []stockmove.LocationStock) {
	switch t {
	case StrategyFIFO:
		sort.SliceStable(stocks, func(i, j int) bool {
			return timeLess(stocks[i].LastReceiptDate, stocks[j].LastReceiptDate, true)
		})
	case StrategyLIFO:
		// Descending receipt date. A location with no receipt history is
		// treated as the oldest stock and picked last.
		sort.SliceStable(stocks, func(i, j int) bool {
			return timeLess(stocks[j].LastReceiptDate, stocks[i].LastReceiptDate, false)
		})
	case StrategyFEFO:
		sort.SliceStable(stocks, func(i, j int) bool {
			return timeLess(stocks[i].ExpiryDate, stocks[j].ExpiryDate, true)
		})
	case StrategyClosestLocation:
		sort.SliceStable(stocks, func(i, j int) bool {
			return locationRank(cfg, stocks[i].LocationID) < locationRank(cfg, stocks[j].LocationID)
		})
	case StrategyLeastPackages:
		// Taking from the fullest locations first minimises the number
		// of picks.
		sort.SliceStable(stocks, func(i, j int) bool {
			return stocks[i].Available > stocks[j].Available
		})
	}
}

// timeLess orders optional timestamps. nilLast pushes unknown dates to
// the end of the ordering.
func timeLess(a, b *time.Time, nilLast bool) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return !nilLast
	case b == nil:
		return nilLast
	default:
		return a.Before(*b)
	}
}

func locationRank(cfg Config, locationID uuid.UUID) int {
	if rank, ok := cfg.LocationPriorities[locationID]; ok {
		return rank
	}
	return int(^uint(0) >> 1)
}

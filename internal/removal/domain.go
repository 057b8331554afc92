// Package removal implements pick location suggestion strategies.
package removal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
)

// StrategyType selects the ordering applied to candidate locations.
type StrategyType string

const (
	StrategyFIFO            StrategyType = "fifo"
	StrategyLIFO            StrategyType = "lifo"
	StrategyFEFO            StrategyType = "fefo"
	StrategyClosestLocation StrategyType = "closest_location"
	StrategyLeastPackages   StrategyType = "least_packages"
)

// ParseStrategyType validates a client supplied strategy type.
func ParseStrategyType(raw string) (StrategyType, error) {
	switch StrategyType(raw) {
	case StrategyFIFO, StrategyLIFO, StrategyFEFO, StrategyClosestLocation, StrategyLeastPackages:
		return StrategyType(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown strategy type %q", shared.ErrValidation, raw)
	}
}

// StrategyTypeFromStore decodes a type read back from the database.
func StrategyTypeFromStore(raw string) (StrategyType, error) {
	t, err := ParseStrategyType(raw)
	if err != nil {
		return "", fmt.Errorf("%w: stored strategy type %q", shared.ErrDataCorruption, raw)
	}
	return t, nil
}

// DisplayName returns a human readable label for the type.
func (t StrategyType) DisplayName() string {
	switch t {
	case StrategyFIFO:
		return "First In First Out"
	case StrategyLIFO:
		return "Last In First Out"
	case StrategyFEFO:
		return "First Expired First Out"
	case StrategyClosestLocation:
		return "Closest Location"
	case StrategyLeastPackages:
		return "Least Packages"
	default:
		return string(t)
	}
}

// Config carries per-strategy tuning, stored as JSONB.
type Config struct {
	// FEFOBufferDays excludes stock expiring within the buffer from
	// FEFO suggestions.
	FEFOBufferDays int `json:"fefo_buffer_days,omitempty"`
	// LocationPriorities ranks locations for closest_location, lower
	// rank is picked first. Unranked locations sort last.
	LocationPriorities map[uuid.UUID]int `json:"location_priorities,omitempty"`
}

// Strategy scopes a removal ordering to a warehouse and/or product.
// A strategy with neither is the tenant wide default.
type Strategy struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	TenantID    uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	Name        string       `json:"name" db:"name"`
	Type        StrategyType `json:"type" db:"strategy_type"`
	WarehouseID *uuid.UUID   `json:"warehouse_id,omitempty" db:"warehouse_id"`
	ProductID   *uuid.UUID   `json:"product_id,omitempty" db:"product_id"`
	Active      bool         `json:"active" db:"active"`
	Config      Config       `json:"config" db:"config"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// scopeRank orders strategies by specificity. Lower wins.
func (s Strategy) scopeRank() int {
	switch {
	case s.WarehouseID != nil && s.ProductID != nil:
		return 1
	case s.WarehouseID != nil:
		return 2
	case s.ProductID != nil:
		return 3
	default:
		return 4
	}
}

// SuggestionLine is one pick from one location.
type SuggestionLine struct {
	LocationID uuid.UUID  `json:"location_id"`
	Quantity   int64      `json:"quantity"`
	Available  int64      `json:"available"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// Suggestion is the result of a removal request. A partial suggestion
// is returned as-is; the caller decides how to handle the shortfall.
type Suggestion struct {
	StrategyID     *uuid.UUID       `json:"strategy_id,omitempty"`
	StrategyType   StrategyType     `json:"strategy_type"`
	Requested      int64            `json:"requested"`
	TotalSuggested int64            `json:"total_suggested"`
	CanFulfill     bool             `json:"can_fulfill"`
	Lines          []SuggestionLine `json:"lines"`
}

// ErrStrategyNotFound indicates a missing removal strategy.
var ErrStrategyNotFound = fmt.Errorf("%w: removal strategy", shared.ErrNotFound)

package valuation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
)

// Method enumerates supported costing methods.
type Method string

const (
	// MethodFIFO values stock against first-in-first-out cost layers.
	MethodFIFO Method = "fifo"
	// MethodAVCO values stock at a running weighted average cost.
	MethodAVCO Method = "avco"
	// MethodStandard values stock at a fixed standard cost.
	MethodStandard Method = "standard"
)

// ParseMethod validates a client supplied method string.
func ParseMethod(raw string) (Method, error) {
	switch Method(raw) {
	case MethodFIFO, MethodAVCO, MethodStandard:
		return Method(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown costing method %q", shared.ErrValidation, raw)
	}
}

// MethodFromStore decodes a method read back from the database. Unknown
// values mean a schema drift, not a bad request.
func MethodFromStore(raw string) (Method, error) {
	switch Method(raw) {
	case MethodFIFO, MethodAVCO, MethodStandard:
		return Method(raw), nil
	default:
		return "", fmt.Errorf("%w: stored costing method %q", shared.ErrDataCorruption, raw)
	}
}

// Ledger is the per tenant, per product valuation state. All monetary
// amounts are integer minor units.
type Ledger struct {
	TenantID        uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ProductID       uuid.UUID  `json:"product_id" db:"product_id"`
	Method          Method     `json:"method" db:"method"`
	CurrentUnitCost *int64     `json:"current_unit_cost,omitempty" db:"current_unit_cost"`
	TotalQuantity   int64      `json:"total_quantity" db:"total_quantity"`
	TotalValue      int64      `json:"total_value" db:"total_value"`
	StandardCost    *int64     `json:"standard_cost,omitempty" db:"standard_cost"`
	LastUpdated     time.Time  `json:"last_updated" db:"last_updated"`
	UpdatedBy       *uuid.UUID `json:"updated_by,omitempty" db:"updated_by"`
}

// CostLayer is one FIFO receipt lot. Layers order by CreatedAt with ID as
// the tiebreak, and never hold a negative quantity.
type CostLayer struct {
	ID         uuid.UUID `json:"id" db:"id"`
	TenantID   uuid.UUID `json:"tenant_id" db:"tenant_id"`
	ProductID  uuid.UUID `json:"product_id" db:"product_id"`
	Quantity   int64     `json:"quantity" db:"quantity"`
	UnitCost   int64     `json:"unit_cost" db:"unit_cost"`
	TotalValue int64     `json:"total_value" db:"total_value"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// HistoryEntry is an append-only snapshot taken after each ledger mutation.
type HistoryEntry struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	TenantID      uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ProductID     uuid.UUID  `json:"product_id" db:"product_id"`
	Method        Method     `json:"method" db:"method"`
	UnitCost      *int64     `json:"unit_cost,omitempty" db:"unit_cost"`
	TotalQuantity int64      `json:"total_quantity" db:"total_quantity"`
	TotalValue    int64      `json:"total_value" db:"total_value"`
	ChangedBy     *uuid.UUID `json:"changed_by,omitempty" db:"changed_by"`
	ChangeReason  string     `json:"change_reason" db:"change_reason"`
	ChangedAt     time.Time  `json:"changed_at" db:"changed_at"`
}

// Change reasons recorded in valuation history.
const (
	ReasonStockMove      = "stock_move"
	ReasonMethodChange   = "method_change"
	ReasonStandardCost   = "standard_cost_change"
	ReasonCostAdjustment = "cost_adjustment"
	ReasonRevaluation    = "revaluation"
)

// ErrLedgerNotFound indicates the product has no valuation ledger yet.
// Ledger provisioning belongs to product onboarding, not this module.
var ErrLedgerNotFound = fmt.Errorf("%w: valuation ledger", shared.ErrNotFound)

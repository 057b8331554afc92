package stockmove

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
)

// MoveType enumerates supported stock movements.
type MoveType string

const (
	// MoveTypeReceipt is inbound stock entering a location.
	MoveTypeReceipt MoveType = "receipt"
	// MoveTypeIssue is outbound stock leaving a location.
	MoveTypeIssue MoveType = "issue"
	// MoveTypeTransfer moves stock between two locations.
	MoveTypeTransfer MoveType = "transfer"
	// MoveTypeAdjustment corrects on-hand stock, e.g. after a count.
	MoveTypeAdjustment MoveType = "adjustment"
)

// ParseMoveType validates a client supplied move type.
func ParseMoveType(raw string) (MoveType, error) {
	switch MoveType(raw) {
	case MoveTypeReceipt, MoveTypeIssue, MoveTypeTransfer, MoveTypeAdjustment:
		return MoveType(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown move type %q", shared.ErrValidation, raw)
	}
}

// MoveTypeFromStore decodes a move type read back from the database.
func MoveTypeFromStore(raw string) (MoveType, error) {
	switch MoveType(raw) {
	case MoveTypeReceipt, MoveTypeIssue, MoveTypeTransfer, MoveTypeAdjustment:
		return MoveType(raw), nil
	default:
		return "", fmt.Errorf("%w: stored move type %q", shared.ErrDataCorruption, raw)
	}
}

// Reference types recorded on posted moves.
const (
	ReferenceCycleCount     = "cycle_count"
	ReferenceReconciliation = "stock_reconciliation"
)

// Move is one row of the append-only stock move ledger. Quantity is a
// positive magnitude except for adjustments, where it carries the signed
// on-hand delta.
type Move struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	TenantID              uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ProductID             uuid.UUID  `json:"product_id" db:"product_id"`
	WarehouseID           uuid.UUID  `json:"warehouse_id" db:"warehouse_id"`
	SourceLocationID      *uuid.UUID `json:"source_location_id,omitempty" db:"source_location_id"`
	DestinationLocationID *uuid.UUID `json:"destination_location_id,omitempty" db:"destination_location_id"`
	Type                  MoveType   `json:"move_type" db:"move_type"`
	Quantity              int64      `json:"quantity" db:"quantity"`
	UnitCost              *int64     `json:"unit_cost,omitempty" db:"unit_cost"`
	ReferenceType         string     `json:"reference_type" db:"reference_type"`
	ReferenceID           *uuid.UUID `json:"reference_id,omitempty" db:"reference_id"`
	IdempotencyKey        string     `json:"idempotency_key" db:"idempotency_key"`
	Reason                *string    `json:"reason,omitempty" db:"reason"`
	LotNumber             *string    `json:"lot_number,omitempty" db:"lot_number"`
	ExpiryDate            *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
	MoveDate              time.Time  `json:"move_date" db:"move_date"`
	CreatedBy             *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
}

// CreateMoveInput describes a move posting request.
type CreateMoveInput struct {
	TenantID              uuid.UUID
	ProductID             uuid.UUID
	WarehouseID           uuid.UUID
	SourceLocationID      *uuid.UUID
	DestinationLocationID *uuid.UUID
	Type                  MoveType
	Quantity              int64
	UnitCost              *int64
	ReferenceType         string
	ReferenceID           *uuid.UUID
	IdempotencyKey        string
	Reason                *string
	LotNumber             *string
	ExpiryDate            *time.Time
	ActorID               *uuid.UUID
}

// LocationStock is the per-location availability snapshot consumed by
// removal suggestions and count line generation.
type LocationStock struct {
	LocationID      uuid.UUID  `json:"location_id" db:"location_id"`
	Available       int64      `json:"available" db:"available_quantity"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
	LastReceiptDate *time.Time `json:"last_receipt_date,omitempty" db:"last_receipt_date"`
}

// ProductStock is the per-product availability at one location.
type ProductStock struct {
	ProductID uuid.UUID `json:"product_id" db:"product_id"`
	Available int64     `json:"available" db:"available_quantity"`
}

// ErrDuplicateMove indicates the idempotency key was already processed.
var ErrDuplicateMove = fmt.Errorf("%w: stock move already posted", shared.ErrConflict)

// ErrInsufficientStock rejects issues and transfers that would drive the
// source location negative. Adjustments are exempt: they write counted
// truth and may correct in either direction.
var ErrInsufficientStock = fmt.Errorf("%w: insufficient stock at source location", shared.ErrValidation)

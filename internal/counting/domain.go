// Package counting implements the cycle count and stock reconciliation
// workflows that bring recorded stock back in line with physical counts.
package counting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
)

// Status represents the lifecycle of a cycle count session.
type Status string

const (
	StatusDraft            Status = "draft"              // lines editable, counting may start
	StatusInProgress       Status = "in_progress"        // counts being captured
	StatusReadyToReconcile Status = "ready_to_reconcile" // closed, awaiting reconcile
	StatusReconciled       Status = "reconciled"         // adjustments posted, terminal
	StatusCancelled        Status = "cancelled"          // abandoned, terminal
)

// StatusFromStore decodes a status read back from the database.
func StatusFromStore(raw string) (Status, error) {
	switch Status(raw) {
	case StatusDraft, StatusInProgress, StatusReadyToReconcile, StatusReconciled, StatusCancelled:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: stored session status %q", shared.ErrDataCorruption, raw)
	}
}

// CanTransitionTo checks the session state machine.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusReadyToReconcile || next == StatusCancelled
	case StatusReadyToReconcile:
		// Reopening is allowed when a recount is needed before reconcile.
		return next == StatusInProgress || next == StatusReconciled || next == StatusCancelled
	default:
		return false
	}
}

// AllowsCounting checks if counts can be submitted in this status.
func (s Status) AllowsCounting() bool {
	return s == StatusDraft || s == StatusInProgress
}

// AllowsLineEdits checks if lines can be generated or replaced.
func (s Status) AllowsLineEdits() bool {
	return s == StatusDraft || s == StatusInProgress
}

// CountType enumerates the scope of a session.
type CountType string

const (
	CountTypeFull  CountType = "full"
	CountTypeCycle CountType = "cycle"
	CountTypeSpot  CountType = "spot"
)

// ParseCountType validates a client supplied count type.
func ParseCountType(raw string) (CountType, error) {
	switch CountType(raw) {
	case CountTypeFull, CountTypeCycle, CountTypeSpot:
		return CountType(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown count type %q", shared.ErrValidation, raw)
	}
}

// LineStatus represents the state of a single count line.
type LineStatus string

const (
	LineStatusOpen    LineStatus = "open"
	LineStatusCounted LineStatus = "counted"
	LineStatusSkipped LineStatus = "skipped"
)

// Session is one cycle count at a single location.
type Session struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	TenantID      uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	WarehouseID   uuid.UUID  `json:"warehouse_id" db:"warehouse_id"`
	LocationID    uuid.UUID  `json:"location_id" db:"location_id"`
	SessionNumber string     `json:"session_number" db:"session_number"`
	CountType     CountType  `json:"count_type" db:"count_type"`
	Status        Status     `json:"status" db:"status"`
	AsOf          time.Time  `json:"as_of" db:"as_of"`
	Notes         *string    `json:"notes,omitempty" db:"notes"`
	AdjustmentID  *uuid.UUID `json:"adjustment_id,omitempty" db:"adjustment_id"`
	CreatedBy     *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Line is one product expected at the session's location.
type Line struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	SessionID        uuid.UUID  `json:"session_id" db:"session_id"`
	TenantID         uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	ProductID        uuid.UUID  `json:"product_id" db:"product_id"`
	ExpectedQuantity int64      `json:"expected_quantity" db:"expected_quantity"`
	CountedQuantity  *int64     `json:"counted_quantity,omitempty" db:"counted_quantity"`
	Difference       *int64     `json:"difference,omitempty" db:"difference"`
	Status           LineStatus `json:"status" db:"status"`
	CountedBy        *uuid.UUID `json:"counted_by,omitempty" db:"counted_by"`
	CountedAt        *time.Time `json:"counted_at,omitempty" db:"counted_at"`
}

// HasVariance reports whether the counted quantity differs from expected.
func (l Line) HasVariance() bool {
	return l.Status == LineStatusCounted && l.Difference != nil && *l.Difference != 0
}

// ReconcileResult summarises a reconcile call. Replays of an already
// reconciled session return the stored adjustment id with zero moves.
type ReconcileResult struct {
	SessionID    uuid.UUID `json:"session_id"`
	AdjustmentID uuid.UUID `json:"adjustment_id"`
	MovesCreated int       `json:"moves_created"`
	Status       Status    `json:"status"`
}

// SessionSummary aggregates line progress for one session.
type SessionSummary struct {
	TotalLines    int   `json:"total_lines"`
	OpenLines     int   `json:"open_lines"`
	CountedLines  int   `json:"counted_lines"`
	SkippedLines  int   `json:"skipped_lines"`
	VarianceLines int   `json:"variance_lines"`
	TotalVariance int64 `json:"total_variance"`
}

// Summarize folds lines into a session summary.
func Summarize(lines []Line) SessionSummary {
	var s SessionSummary
	s.TotalLines = len(lines)
	for _, l := range lines {
		switch l.Status {
		case LineStatusOpen:
			s.OpenLines++
		case LineStatusCounted:
			s.CountedLines++
		case LineStatusSkipped:
			s.SkippedLines++
		}
		if l.HasVariance() {
			s.VarianceLines++
			s.TotalVariance += *l.Difference
		}
	}
	return s
}

// NewSessionNumber builds a human readable session number.
func NewSessionNumber(at time.Time) string {
	return "CC-" + at.UTC().Format("20060102-150405")
}

var (
	// ErrSessionNotFound indicates a missing or foreign-tenant session.
	ErrSessionNotFound = fmt.Errorf("%w: count session", shared.ErrNotFound)
	// ErrLineNotFound indicates a count line outside the session.
	ErrLineNotFound = fmt.Errorf("%w: count line", shared.ErrNotFound)
)

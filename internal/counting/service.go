package counting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/stockmove"
)

// RepositoryPort is the storage surface the service depends on.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error

	GetSession(ctx context.Context, tenantID, sessionID uuid.UUID) (Session, error)
	ListSessions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Session, int64, error)
	ListLines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]Line, error)

	GetReconciliation(ctx context.Context, tenantID, reconID uuid.UUID) (Reconciliation, error)
	ListReconciliations(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Reconciliation, int64, error)
	ListReconciliationItems(ctx context.Context, tenantID, reconID uuid.UUID) ([]ReconciliationItem, error)
}

// AuditPort records who did what after a workflow commits.
type AuditPort interface {
	Record(ctx context.Context, entry shared.AuditLog) error
}

// LockPort serialises reconcile calls per session.
type LockPort interface {
	Acquire(ctx context.Context, key string) error
	Release(ctx context.Context, key string)
}

// MetricsPort counts the adjustment moves the workflows create.
type MetricsPort interface {
	CountAdjustments(workflow string, n int)
}

// Service implements the cycle count and reconciliation workflows.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	locker  LockPort
	metrics MetricsPort
	logger  *slog.Logger
}

func NewService(repo RepositoryPort, audit AuditPort, locker LockPort, metrics MetricsPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, locker: locker, metrics: metrics, logger: logger}
}

// CreateSessionInput carries the fields needed to open a session.
type CreateSessionInput struct {
	WarehouseID uuid.UUID
	LocationID  uuid.UUID
	CountType   CountType
	Notes       *string
}

// CreateSession opens a draft count session for one location. The
// snapshot time is fixed at creation so later moves can be detected.
func (s *Service) CreateSession(ctx context.Context, id shared.Identity, in CreateSessionInput) (Session, error) {
	if in.WarehouseID == uuid.Nil || in.LocationID == uuid.Nil {
		return Session{}, fmt.Errorf("%w: warehouse and location are required", shared.ErrValidation)
	}

	now := time.Now().UTC()
	session := Session{
		ID:            uuid.New(),
		TenantID:      id.TenantID,
		WarehouseID:   in.WarehouseID,
		LocationID:    in.LocationID,
		SessionNumber: NewSessionNumber(now),
		CountType:     in.CountType,
		Status:        StatusDraft,
		AsOf:          now,
		Notes:         in.Notes,
		CreatedBy:     id.ActorRef(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}

	s.recordAudit(ctx, id, "counting.session.create", session.ID, map[string]any{
		"session_number": session.SessionNumber,
		"location_id":    in.LocationID,
	})
	return session, nil
}

// GenerateLinesInput controls line generation for a session.
type GenerateLinesInput struct {
	SessionID       uuid.UUID
	ProductIDs      []uuid.UUID
	ReplaceExisting bool
}

// GenerateLines creates one open line per product with positive stock
// at the session's location. An optional product filter narrows the
// set. Existing lines are kept unless ReplaceExisting is set.
func (s *Service) GenerateLines(ctx context.Context, id shared.Identity, in GenerateLinesInput) ([]Line, error) {
	var lines []Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, id.TenantID, in.SessionID)
		if err != nil {
			return err
		}
		if !session.Status.AllowsLineEdits() {
			return fmt.Errorf("%w: lines cannot be generated in status %s", shared.ErrValidation, session.Status)
		}

		if in.ReplaceExisting {
			if err := tx.DeleteLines(ctx, id.TenantID, session.ID); err != nil {
				return err
			}
		}

		stocks, err := tx.Moves().ListProductsAtLocation(ctx, id.TenantID, session.LocationID, in.ProductIDs)
		if err != nil {
			return err
		}

		existing, err := tx.ListLines(ctx, id.TenantID, session.ID)
		if err != nil {
			return err
		}
		seen := make(map[uuid.UUID]struct{}, len(existing))
		for _, l := range existing {
			seen[l.ProductID] = struct{}{}
		}

		lines = existing
		for _, st := range stocks {
			if _, ok := seen[st.ProductID]; ok {
				continue
			}
			line := Line{
				ID:               uuid.New(),
				SessionID:        session.ID,
				TenantID:         id.TenantID,
				ProductID:        st.ProductID,
				ExpectedQuantity: st.Available,
				Status:           LineStatusOpen,
			}
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
			lines = append(lines, line)
		}

		session.UpdatedAt = time.Now().UTC()
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// LineCount captures one counted quantity.
type LineCount struct {
	LineID          uuid.UUID
	CountedQuantity int64
}

// SubmitCounts records counted quantities. A draft session moves to
// in_progress on the first submission.
func (s *Service) SubmitCounts(ctx context.Context, id shared.Identity, sessionID uuid.UUID, counts []LineCount) (Session, error) {
	if len(counts) == 0 {
		return Session{}, fmt.Errorf("%w: no counts supplied", shared.ErrValidation)
	}
	for _, c := range counts {
		if c.CountedQuantity < 0 {
			return Session{}, fmt.Errorf("%w: counted quantity cannot be negative", shared.ErrValidation)
		}
	}

	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.GetSessionForUpdate(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		if !session.Status.AllowsCounting() {
			return fmt.Errorf("%w: counts cannot be submitted in status %s", shared.ErrValidation, session.Status)
		}

		lines, err := tx.ListLines(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]Line, len(lines))
		for _, l := range lines {
			byID[l.ID] = l
		}

		now := time.Now().UTC()
		for _, c := range counts {
			line, ok := byID[c.LineID]
			if !ok {
				return fmt.Errorf("%w: line %s", ErrLineNotFound, c.LineID)
			}
			counted := c.CountedQuantity
			diff := counted - line.ExpectedQuantity
			line.CountedQuantity = &counted
			line.Difference = &diff
			line.Status = LineStatusCounted
			line.CountedBy = id.ActorRef()
			line.CountedAt = &now
			if err := tx.UpdateLine(ctx, line); err != nil {
				return err
			}
		}

		if session.Status == StatusDraft {
			session.Status = StatusInProgress
		}
		session.UpdatedAt = now
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// SkipLines marks lines as skipped so the session can close without a
// count for them. Skipped lines never produce adjustments.
func (s *Service) SkipLines(ctx context.Context, id shared.Identity, sessionID uuid.UUID, lineIDs []uuid.UUID) (Session, error) {
	if len(lineIDs) == 0 {
		return Session{}, fmt.Errorf("%w: no lines supplied", shared.ErrValidation)
	}

	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.GetSessionForUpdate(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		if !session.Status.AllowsCounting() {
			return fmt.Errorf("%w: lines cannot be skipped in status %s", shared.ErrValidation, session.Status)
		}

		lines, err := tx.ListLines(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]Line, len(lines))
		for _, l := range lines {
			byID[l.ID] = l
		}

		now := time.Now().UTC()
		for _, lineID := range lineIDs {
			line, ok := byID[lineID]
			if !ok {
				return fmt.Errorf("%w: line %s", ErrLineNotFound, lineID)
			}
			line.Status = LineStatusSkipped
			line.CountedQuantity = nil
			line.Difference = nil
			if err := tx.UpdateLine(ctx, line); err != nil {
				return err
			}
		}

		session.UpdatedAt = now
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// CloseSession moves a session to ready_to_reconcile. Every line must
// be counted or skipped first.
func (s *Service) CloseSession(ctx context.Context, id shared.Identity, sessionID uuid.UUID) (Session, error) {
	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.GetSessionForUpdate(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		if !session.Status.CanTransitionTo(StatusReadyToReconcile) {
			return fmt.Errorf("%w: cannot close a %s session", shared.ErrValidation, session.Status)
		}

		lines, err := tx.ListLines(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		summary := Summarize(lines)
		if summary.OpenLines > 0 {
			return fmt.Errorf("%w: %d lines are still open", shared.ErrValidation, summary.OpenLines)
		}

		session.Status = StatusReadyToReconcile
		session.UpdatedAt = time.Now().UTC()
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}

	s.recordAudit(ctx, id, "counting.session.close", session.ID, nil)
	return session, nil
}

// Reopen moves a ready_to_reconcile session back to in_progress for a
// recount.
func (s *Service) Reopen(ctx context.Context, id shared.Identity, sessionID uuid.UUID) (Session, error) {
	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.GetSessionForUpdate(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		if session.Status != StatusReadyToReconcile {
			return fmt.Errorf("%w: only a ready_to_reconcile session can be reopened", shared.ErrValidation)
		}
		session.Status = StatusInProgress
		session.UpdatedAt = time.Now().UTC()
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// Reconcile posts one adjustment move per variance line and marks the
// session reconciled. Calls are serialised per session through the
// lock port. Reconciling an already reconciled session returns the
// stored adjustment id without posting anything.
func (s *Service) Reconcile(ctx context.Context, id shared.Identity, sessionID uuid.UUID, force bool) (ReconcileResult, error) {
	lockKey := shared.ReconcileLockKey(id.TenantID, sessionID)
	if err := s.locker.Acquire(ctx, lockKey); err != nil {
		return ReconcileResult{}, err
	}
	defer s.locker.Release(ctx, lockKey)

	var result ReconcileResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}

		if session.Status == StatusReconciled {
			result = ReconcileResult{SessionID: session.ID, Status: session.Status}
			if session.AdjustmentID != nil {
				result.AdjustmentID = *session.AdjustmentID
			}
			return nil
		}
		if session.Status != StatusReadyToReconcile {
			return fmt.Errorf("%w: cannot reconcile a %s session", shared.ErrValidation, session.Status)
		}

		lines, err := tx.ListLines(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}

		var varianceLines []Line
		for _, l := range lines {
			if l.HasVariance() {
				varianceLines = append(varianceLines, l)
			}
		}

		if !force && len(varianceLines) > 0 {
			products := make([]uuid.UUID, 0, len(varianceLines))
			for _, l := range varianceLines {
				products = append(products, l.ProductID)
			}
			moved, err := tx.Moves().ExistsAfter(ctx, id.TenantID, session.LocationID, products, session.AsOf)
			if err != nil {
				return err
			}
			if moved {
				return fmt.Errorf("%w: stock moved at this location after the count snapshot, recount or force", shared.ErrValidation)
			}
		}

		adjustmentID := uuid.New()
		now := time.Now().UTC()
		reason := "cycle count variance"
		for _, l := range varianceLines {
			diff := *l.Difference
			move := stockmove.Move{
				ID:             uuid.New(),
				TenantID:       id.TenantID,
				ProductID:      l.ProductID,
				WarehouseID:    session.WarehouseID,
				Type:           stockmove.MoveTypeAdjustment,
				Quantity:       diff,
				ReferenceType:  stockmove.ReferenceCycleCount,
				ReferenceID:    &session.ID,
				IdempotencyKey: fmt.Sprintf("cc-%s-line-%s", session.ID, l.ID),
				Reason:         &reason,
				MoveDate:       now,
				CreatedBy:      id.ActorRef(),
			}
			if diff > 0 {
				move.DestinationLocationID = &session.LocationID
			} else {
				move.SourceLocationID = &session.LocationID
			}
			if err := stockmove.PostInTx(ctx, tx.Moves(), s.logger, move); err != nil {
				// A duplicate means a prior attempt already posted
				// this line before failing later. Skip it.
				if errorsIsDuplicate(err) {
					continue
				}
				return err
			}
			result.MovesCreated++
		}

		session.Status = StatusReconciled
		session.AdjustmentID = &adjustmentID
		session.UpdatedAt = now
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}

		result.SessionID = session.ID
		result.AdjustmentID = adjustmentID
		result.Status = StatusReconciled
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	if result.MovesCreated > 0 {
		s.metrics.CountAdjustments("cycle_count", result.MovesCreated)
	}
	s.recordAudit(ctx, id, "counting.session.reconcile", sessionID, map[string]any{
		"adjustment_id": result.AdjustmentID,
		"moves_created": result.MovesCreated,
		"force":         force,
	})
	s.logger.InfoContext(ctx, "cycle count reconciled",
		slog.String("session_id", sessionID.String()),
		slog.Int("moves_created", result.MovesCreated),
	)
	return result, nil
}

// CancelSession abandons a session before reconciliation.
func (s *Service) CancelSession(ctx context.Context, id shared.Identity, sessionID uuid.UUID) (Session, error) {
	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.GetSessionForUpdate(ctx, id.TenantID, sessionID)
		if err != nil {
			return err
		}
		if !session.Status.CanTransitionTo(StatusCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s session", shared.ErrValidation, session.Status)
		}
		session.Status = StatusCancelled
		session.UpdatedAt = time.Now().UTC()
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}

	s.recordAudit(ctx, id, "counting.session.cancel", session.ID, nil)
	return session, nil
}

// GetSession loads a session with its lines and summary.
func (s *Service) GetSession(ctx context.Context, id shared.Identity, sessionID uuid.UUID) (Session, []Line, SessionSummary, error) {
	session, err := s.repo.GetSession(ctx, id.TenantID, sessionID)
	if err != nil {
		return Session{}, nil, SessionSummary{}, err
	}
	lines, err := s.repo.ListLines(ctx, id.TenantID, sessionID)
	if err != nil {
		return Session{}, nil, SessionSummary{}, err
	}
	return session, lines, Summarize(lines), nil
}

// ListSessions lists sessions for a tenant, newest first.
func (s *Service) ListSessions(ctx context.Context, id shared.Identity, page shared.Pagination) ([]Session, shared.Pagination, error) {
	sessions, total, err := s.repo.ListSessions(ctx, id.TenantID, page.PerPage, page.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return sessions, shared.NewPagination(page.Page, page.PerPage, int(total)), nil
}

func (s *Service) recordAudit(ctx context.Context, id shared.Identity, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{
		TenantID: id.TenantID,
		ActorID:  id.ActorID,
		Action:   action,
		Entity:   "counting",
		EntityID: entityID.String(),
		Meta:     meta,
		At:       time.Now().UTC(),
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func errorsIsDuplicate(err error) bool {
	return errors.Is(err, stockmove.ErrDuplicateMove)
}

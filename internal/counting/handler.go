package counting

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/platform/httpx"
	"github.com/meridian-wms/meridian/internal/shared"
)

// Handler wires HTTP endpoints for the counting module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the counting handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers counting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Get("/", h.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Post("/lines", h.handleGenerateLines)
			r.Post("/counts", h.handleSubmitCounts)
			r.Post("/skip", h.handleSkipLines)
			r.Post("/close", h.handleCloseSession)
			r.Post("/reopen", h.handleReopenSession)
			r.Post("/reconcile", h.handleReconcile)
			r.Post("/cancel", h.handleCancelSession)
		})
	})
	r.Route("/reconciliations", func(r chi.Router) {
		r.Post("/", h.handleCreateReconciliation)
		r.Get("/", h.handleListReconciliations)
		r.Route("/{reconciliationID}", func(r chi.Router) {
			r.Get("/", h.handleGetReconciliation)
			r.Get("/variance", h.handleVariance)
			r.Post("/counts", h.handleRecordCounts)
			r.Post("/finalize", h.handleFinalize)
			r.Post("/approve", h.handleApprove)
			r.Post("/cancel", h.handleCancelReconciliation)
		})
	})
}

type createSessionRequest struct {
	WarehouseID string  `json:"warehouse_id" validate:"required,uuid"`
	LocationID  string  `json:"location_id" validate:"required,uuid"`
	CountType   string  `json:"count_type" validate:"required"`
	Notes       *string `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

type generateLinesRequest struct {
	ProductIDs      []string `json:"product_ids,omitempty" validate:"omitempty,dive,uuid"`
	ReplaceExisting bool     `json:"replace_existing"`
}

type submitCountsRequest struct {
	Counts []struct {
		LineID          string `json:"line_id" validate:"required,uuid"`
		CountedQuantity int64  `json:"counted_quantity" validate:"gte=0"`
	} `json:"counts" validate:"required,min=1,dive"`
}

type skipLinesRequest struct {
	LineIDs []string `json:"line_ids" validate:"required,min=1,dive,uuid"`
}

type reconcileRequest struct {
	Force bool `json:"force"`
}

type createReconciliationRequest struct {
	WarehouseID string   `json:"warehouse_id" validate:"required,uuid"`
	CycleType   string   `json:"cycle_type" validate:"required"`
	Notes       *string  `json:"notes,omitempty" validate:"omitempty,max=1000"`
	ProductIDs  []string `json:"product_ids" validate:"required,min=1,dive,uuid"`
}

type recordCountsRequest struct {
	Counts []struct {
		ProductID       string `json:"product_id" validate:"required,uuid"`
		CountedQuantity int64  `json:"counted_quantity" validate:"gte=0"`
	} `json:"counts" validate:"required,min=1,dive"`
}

type sessionResponse struct {
	Session Session        `json:"session"`
	Lines   []Line         `json:"lines"`
	Summary SessionSummary `json:"summary"`
}

type sessionListResponse struct {
	Sessions   []Session         `json:"sessions"`
	Pagination shared.Pagination `json:"pagination"`
}

type reconciliationResponse struct {
	Reconciliation Reconciliation       `json:"reconciliation"`
	Items          []ReconciliationItem `json:"items"`
}

type reconciliationListResponse struct {
	Reconciliations []Reconciliation  `json:"reconciliations"`
	Pagination      shared.Pagination `json:"pagination"`
}

type finalizeResponse struct {
	Reconciliation Reconciliation `json:"reconciliation"`
	MovesCreated   int            `json:"moves_created"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	countType, err := ParseCountType(req.CountType)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	session, err := h.service.CreateSession(r.Context(), id, CreateSessionInput{
		WarehouseID: uuid.MustParse(req.WarehouseID),
		LocationID:  uuid.MustParse(req.LocationID),
		CountType:   countType,
		Notes:       req.Notes,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, session)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	page, perPage := shared.PageFromRequest(r)
	sessions, p, err := h.service.ListSessions(r.Context(), id, shared.Pagination{Page: page, PerPage: perPage})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionListResponse{Sessions: sessions, Pagination: p})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	session, lines, summary, err := h.service.GetSession(r.Context(), id, sessionID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionResponse{Session: session, Lines: lines, Summary: summary})
}

func (h *Handler) handleGenerateLines(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	var req generateLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines, err := h.service.GenerateLines(r.Context(), id, GenerateLinesInput{
		SessionID:       sessionID,
		ProductIDs:      parseUUIDs(req.ProductIDs),
		ReplaceExisting: req.ReplaceExisting,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) handleSubmitCounts(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	var req submitCountsRequest
	if !h.decode(w, r, &req) {
		return
	}
	counts := make([]LineCount, 0, len(req.Counts))
	for _, c := range req.Counts {
		counts = append(counts, LineCount{LineID: uuid.MustParse(c.LineID), CountedQuantity: c.CountedQuantity})
	}
	session, err := h.service.SubmitCounts(r.Context(), id, sessionID, counts)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleSkipLines(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	var req skipLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.SkipLines(r.Context(), id, sessionID, parseUUIDs(req.LineIDs))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	session, err := h.service.CloseSession(r.Context(), id, sessionID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleReopenSession(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	session, err := h.service.Reopen(r.Context(), id, sessionID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Reconcile(r.Context(), id, sessionID, req.Force)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	session, err := h.service.CancelSession(r.Context(), id, sessionID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleCreateReconciliation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req createReconciliationRequest
	if !h.decode(w, r, &req) {
		return
	}
	cycleType, err := ParseCycleType(req.CycleType)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	recon, err := h.service.CreateReconciliation(r.Context(), id, CreateReconciliationInput{
		WarehouseID: uuid.MustParse(req.WarehouseID),
		CycleType:   cycleType,
		Notes:       req.Notes,
		ProductIDs:  parseUUIDs(req.ProductIDs),
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, recon)
}

func (h *Handler) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	page, perPage := shared.PageFromRequest(r)
	recons, p, err := h.service.ListReconciliations(r.Context(), id, shared.Pagination{Page: page, PerPage: perPage})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, reconciliationListResponse{Reconciliations: recons, Pagination: p})
}

func (h *Handler) handleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	id, reconID, ok := h.reconScope(w, r)
	if !ok {
		return
	}
	recon, items, err := h.service.GetReconciliation(r.Context(), id, reconID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, reconciliationResponse{Reconciliation: recon, Items: items})
}

func (h *Handler) handleVariance(w http.ResponseWriter, r *http.Request) {
	id, reconID, ok := h.reconScope(w, r)
	if !ok {
		return
	}
	analysis, err := h.service.Variance(r.Context(), id, reconID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, analysis)
}

func (h *Handler) handleRecordCounts(w http.ResponseWriter, r *http.Request) {
	id, reconID, ok := h.reconScope(w, r)
	if !ok {
		return
	}
	var req recordCountsRequest
	if !h.decode(w, r, &req) {
		return
	}
	counts := make([]ItemCount, 0, len(req.Counts))
	for _, c := range req.Counts {
		counts = append(counts, ItemCount{ProductID: uuid.MustParse(c.ProductID), CountedQuantity: c.CountedQuantity})
	}
	recon, err := h.service.RecordCounts(r.Context(), id, reconID, counts)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recon)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, reconID, ok := h.reconScope(w, r)
	if !ok {
		return
	}
	recon, moves, err := h.service.Finalize(r.Context(), id, reconID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, finalizeResponse{Reconciliation: recon, MovesCreated: moves})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, reconID, ok := h.reconScope(w, r)
	if !ok {
		return
	}
	recon, err := h.service.Approve(r.Context(), id, reconID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recon)
}

func (h *Handler) handleCancelReconciliation(w http.ResponseWriter, r *http.Request) {
	id, reconID, ok := h.reconScope(w, r)
	if !ok {
		return
	}
	recon, err := h.service.CancelReconciliation(r.Context(), id, reconID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recon)
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (shared.Identity, bool) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant context missing")
		return shared.Identity{}, false
	}
	return id, true
}

func (h *Handler) sessionScope(w http.ResponseWriter, r *http.Request) (shared.Identity, uuid.UUID, bool) {
	return h.scopeParam(w, r, "sessionID", "session id must be a uuid")
}

func (h *Handler) reconScope(w http.ResponseWriter, r *http.Request) (shared.Identity, uuid.UUID, bool) {
	return h.scopeParam(w, r, "reconciliationID", "reconciliation id must be a uuid")
}

func (h *Handler) scopeParam(w http.ResponseWriter, r *http.Request, param, detail string) (shared.Identity, uuid.UUID, bool) {
	id, ok := h.identity(w, r)
	if !ok {
		return shared.Identity{}, uuid.Nil, false
	}
	entityID, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", detail)
		return shared.Identity{}, uuid.Nil, false
	}
	return id, entityID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

func parseUUIDs(raw []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		out = append(out, uuid.MustParse(s))
	}
	return out
}

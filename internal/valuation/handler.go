package valuation

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

// Handler wires HTTP endpoints for the valuation module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the valuation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers valuation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/{productID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Get("/layers", h.handleLayers)
		r.Get("/history", h.handleHistory)
		r.Post("/method", h.handleSetMethod)
		r.Post("/standard-cost", h.handleSetStandardCost)
		r.Post("/adjust", h.handleAdjustCost)
		r.Post("/revalue", h.handleRevalue)
	})
}

type setMethodRequest struct {
	Method string `json:"method" validate:"required"`
}

type setStandardCostRequest struct {
	StandardCost int64 `json:"standard_cost" validate:"required,gt=0"`
}

type adjustCostRequest struct {
	Amount int64  `json:"amount" validate:"required"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type revalueRequest struct {
	NewUnitCost int64  `json:"new_unit_cost" validate:"gte=0"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

type layersResponse struct {
	Layers        []CostLayer `json:"layers"`
	TotalQuantity int64       `json:"total_quantity"`
	TotalValue    int64       `json:"total_value"`
}

type historyResponse struct {
	Entries    []HistoryEntry `json:"entries"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, productID, ok := h.scope(w, r)
	if !ok {
		return
	}
	led, err := h.service.GetLedger(r.Context(), id.TenantID, productID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, led)
}

func (h *Handler) handleLayers(w http.ResponseWriter, r *http.Request) {
	id, productID, ok := h.scope(w, r)
	if !ok {
		return
	}
	layers, err := h.service.ListLayers(r.Context(), id.TenantID, productID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	resp := layersResponse{Layers: layers}
	for _, l := range layers {
		resp.TotalQuantity += l.Quantity
		resp.TotalValue += l.TotalValue
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, productID, ok := h.scope(w, r)
	if !ok {
		return
	}
	page, perPage := shared.PageFromRequest(r)
	entries, p, err := h.service.History(r.Context(), id.TenantID, productID, page, perPage)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, historyResponse{
		Entries:    entries,
		Page:       p.Page,
		PerPage:    p.PerPage,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	})
}

func (h *Handler) handleSetMethod(w http.ResponseWriter, r *http.Request) {
	id, productID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req setMethodRequest
	if !h.decode(w, r, &req) {
		return
	}
	method, err := ParseMethod(req.Method)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	led, err := h.service.SetMethod(r.Context(), id.TenantID, productID, method, id.ActorRef())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, led)
}

func (h *Handler) handleSetStandardCost(w http.ResponseWriter, r *http.Request) {
	id, productID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req setStandardCostRequest
	if !h.decode(w, r, &req) {
		return
	}
	led, err := h.service.SetStandardCost(r.Context(), id.TenantID, productID, req.StandardCost, id.ActorRef())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, led)
}

func (h *Handler) handleAdjustCost(w http.ResponseWriter, r *http.Request) {
	id, productID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req adjustCostRequest
	if !h.decode(w, r, &req) {
		return
	}
	led, err := h.service.AdjustCost(r.Context(), id.TenantID, productID, req.Amount, req.Reason, id.ActorRef())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, led)
}

func (h *Handler) handleRevalue(w http.ResponseWriter, r *http.Request) {
	id, productID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req revalueRequest
	if !h.decode(w, r, &req) {
		return
	}
	led, err := h.service.RevalueInventory(r.Context(), id.TenantID, productID, req.NewUnitCost, req.Reason, id.ActorRef())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, led)
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (shared.Identity, uuid.UUID, bool) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant context missing")
		return shared.Identity{}, uuid.Nil, false
	}
	productID, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product id must be a uuid")
		return shared.Identity{}, uuid.Nil, false
	}
	return id, productID, true
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

package stockmove

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-wms/meridian/internal/platform/httpx"
	"github.com/meridian-wms/meridian/internal/shared"
)

// Handler wires HTTP endpoints for the stock move ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stock move handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock move routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/reference/{referenceType}/{referenceID}", h.handleByReference)
	r.Get("/levels", h.handleLevels)
}

type createMoveRequest struct {
	ProductID             string  `json:"product_id" validate:"required,uuid"`
	WarehouseID           string  `json:"warehouse_id" validate:"required,uuid"`
	SourceLocationID      *string `json:"source_location_id,omitempty" validate:"omitempty,uuid"`
	DestinationLocationID *string `json:"destination_location_id,omitempty" validate:"omitempty,uuid"`
	MoveType              string  `json:"move_type" validate:"required"`
	Quantity              int64   `json:"quantity" validate:"required"`
	UnitCost              *int64  `json:"unit_cost,omitempty"`
	ReferenceType         string  `json:"reference_type" validate:"required,max=64"`
	ReferenceID           *string `json:"reference_id,omitempty" validate:"omitempty,uuid"`
	IdempotencyKey        string  `json:"idempotency_key" validate:"required,max=255"`
	Reason                *string `json:"reason,omitempty" validate:"omitempty,max=500"`
	LotNumber             *string `json:"lot_number,omitempty" validate:"omitempty,max=64"`
	ExpiryDate            *string `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant context missing")
		return
	}
	var req createMoveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid request: %v", err))
		return
	}
	moveType, err := ParseMoveType(req.MoveType)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}

	in := CreateMoveInput{
		TenantID:       id.TenantID,
		ProductID:      uuid.MustParse(req.ProductID),
		WarehouseID:    uuid.MustParse(req.WarehouseID),
		Type:           moveType,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		ReferenceType:  req.ReferenceType,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
		LotNumber:      req.LotNumber,
		ActorID:        id.ActorRef(),
	}
	if req.SourceLocationID != nil {
		loc := uuid.MustParse(*req.SourceLocationID)
		in.SourceLocationID = &loc
	}
	if req.DestinationLocationID != nil {
		loc := uuid.MustParse(*req.DestinationLocationID)
		in.DestinationLocationID = &loc
	}
	if req.ReferenceID != nil {
		ref := uuid.MustParse(*req.ReferenceID)
		in.ReferenceID = &ref
	}
	if req.ExpiryDate != nil {
		// Format already checked by the validator.
		expiry, _ := time.Parse("2006-01-02", *req.ExpiryDate)
		in.ExpiryDate = &expiry
	}

	move, err := h.service.PostMove(r.Context(), in)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, move)
}

func (h *Handler) handleByReference(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant context missing")
		return
	}
	referenceID, err := uuid.Parse(chi.URLParam(r, "referenceID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reference id must be a uuid")
		return
	}
	moves, err := h.service.FindByReference(r.Context(), id.TenantID, chi.URLParam(r, "referenceType"), referenceID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"moves": moves})
}

func (h *Handler) handleLevels(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant context missing")
		return
	}
	warehouseID, err := uuid.Parse(r.URL.Query().Get("warehouse_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "warehouse_id must be a uuid")
		return
	}
	productID, err := uuid.Parse(r.URL.Query().Get("product_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id must be a uuid")
		return
	}
	levels, err := h.service.ListLocationsWithStock(r.Context(), id.TenantID, warehouseID, productID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"levels": levels})
}

package removal

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

// Handler wires HTTP endpoints for removal strategies.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the removal handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers removal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Post("/suggest", h.handleSuggest)
	r.Route("/{strategyID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
	})
}

type strategyConfigRequest struct {
	FEFOBufferDays     int            `json:"fefo_buffer_days" validate:"gte=0"`
	LocationPriorities map[string]int `json:"location_priorities,omitempty"`
}

type createStrategyRequest struct {
	Name        string                 `json:"name" validate:"required,max=200"`
	Type        string                 `json:"type" validate:"required"`
	WarehouseID *string                `json:"warehouse_id,omitempty" validate:"omitempty,uuid"`
	ProductID   *string                `json:"product_id,omitempty" validate:"omitempty,uuid"`
	Config      *strategyConfigRequest `json:"config,omitempty"`
}

type updateStrategyRequest struct {
	Name   string                 `json:"name" validate:"required,max=200"`
	Active bool                   `json:"active"`
	Config *strategyConfigRequest `json:"config,omitempty"`
}

type suggestRequest struct {
	WarehouseID     string  `json:"warehouse_id" validate:"required,uuid"`
	ProductID       string  `json:"product_id" validate:"required,uuid"`
	Quantity        int64   `json:"quantity" validate:"required,gt=0"`
	ForceStrategyID *string `json:"force_strategy_id,omitempty" validate:"omitempty,uuid"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req createStrategyRequest
	if !h.decode(w, r, &req) {
		return
	}
	strategyType, err := ParseStrategyType(req.Type)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	cfg, err := buildConfig(req.Config)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	strategy, err := h.service.CreateStrategy(r.Context(), id, CreateStrategyInput{
		Name:        req.Name,
		Type:        strategyType,
		WarehouseID: optionalUUID(req.WarehouseID),
		ProductID:   optionalUUID(req.ProductID),
		Config:      cfg,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, strategy)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	strategies, err := h.service.ListStrategies(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"strategies": strategies})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, strategyID, ok := h.scope(w, r)
	if !ok {
		return
	}
	strategy, err := h.service.GetStrategy(r.Context(), id, strategyID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, strategy)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, strategyID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req updateStrategyRequest
	if !h.decode(w, r, &req) {
		return
	}
	cfg, err := buildConfig(req.Config)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	strategy, err := h.service.UpdateStrategy(r.Context(), id, strategyID, UpdateStrategyInput{
		Name:   req.Name,
		Active: req.Active,
		Config: cfg,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, strategy)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, strategyID, ok := h.scope(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteStrategy(r.Context(), id, strategyID); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSuggest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req suggestRequest
	if !h.decode(w, r, &req) {
		return
	}
	suggestion, err := h.service.Suggest(r.Context(), id, SuggestInput{
		WarehouseID:     uuid.MustParse(req.WarehouseID),
		ProductID:       uuid.MustParse(req.ProductID),
		Quantity:        req.Quantity,
		ForceStrategyID: optionalUUID(req.ForceStrategyID),
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, suggestion)
}

func buildConfig(req *strategyConfigRequest) (Config, error) {
	if req == nil {
		return Config{}, nil
	}
	cfg := Config{FEFOBufferDays: req.FEFOBufferDays}
	if len(req.LocationPriorities) > 0 {
		cfg.LocationPriorities = make(map[uuid.UUID]int, len(req.LocationPriorities))
		for raw, rank := range req.LocationPriorities {
			locationID, err := uuid.Parse(raw)
			if err != nil {
				return Config{}, fmt.Errorf("%w: location priority key %q must be a uuid", shared.ErrValidation, raw)
			}
			cfg.LocationPriorities[locationID] = rank
		}
	}
	return cfg, nil
}

func optionalUUID(raw *string) *uuid.UUID {
	if raw == nil {
		return nil
	}
	id := uuid.MustParse(*raw)
	return &id
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (shared.Identity, bool) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant context missing")
		return shared.Identity{}, false
	}
	return id, true
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (shared.Identity, uuid.UUID, bool) {
	id, ok := h.identity(w, r)
	if !ok {
		return shared.Identity{}, uuid.Nil, false
	}
	strategyID, err := uuid.Parse(chi.URLParam(r, "strategyID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "strategy id must be a uuid")
		return shared.Identity{}, uuid.Nil, false
	}
	return id, strategyID, true
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

package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/meridian-wms/meridian/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Corruption and unexpected errors stay opaque to the client.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrDataCorruption):
		if logger != nil {
			logger.Error("stored data corruption", slog.Any("error", err))
		}
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		if logger != nil {
			logger.Error("unhandled error", slog.Any("error", err))
		}
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

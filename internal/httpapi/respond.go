package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"market_core/internal/domain"
	"market_core/internal/messaging"
	"market_core/internal/storage"
)

type errorBody struct {
	Error string `json:"error"`

	// Event is set when an accept was recorded but the order update failed.
	Event *domain.NegotiationEvent `json:"event,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// statusFor maps domain errors to HTTP statuses. Anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, messaging.ErrEmptyMessage),
		errors.Is(err, messaging.ErrInvalidAmount),
		errors.Is(err, messaging.ErrInvalidAction),
		errors.Is(err, storage.ErrInvalidBucket),
		errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, storage.ErrUndecodableImage):
		return http.StatusBadRequest
	case errors.Is(err, messaging.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, messaging.ErrOrderNotFound),
		errors.Is(err, messaging.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, messaging.ErrInvalidTransition),
		errors.Is(err, messaging.ErrTerminalOrder),
		errors.Is(err, messaging.ErrAlreadyAnswered),
		errors.Is(err, messaging.ErrSettled):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status != http.StatusInternalServerError {
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}

	slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	body := errorBody{Error: "Internal server error"}
	var partial *messaging.PartialWriteError
	if errors.As(err, &partial) {
		body.Error = "offer accepted but the order could not be updated"
		body.Event = &partial.Event
	}
	writeJSON(w, status, body)
}

package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"inventory-ledger/internal/core"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeServiceError maps ledger errors to HTTP statuses. Messages of unexpected errors are not
// echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrUnknownValuationMethod):
		writeError(w, r, err.Error(), "INVALID_INPUT", http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, r, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, core.ErrInsufficientStock):
		writeError(w, r, err.Error(), "INSUFFICIENT_STOCK", http.StatusConflict)
	case errors.Is(err, core.ErrValuationMethodLocked):
		writeError(w, r, err.Error(), "VALUATION_METHOD_LOCKED", http.StatusConflict)
	case errors.Is(err, core.ErrValuationMethodMismatch):
		writeError(w, r, err.Error(), "VALUATION_METHOD_MISMATCH", http.StatusUnprocessableEntity)
	case errors.Is(err, core.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, "stock is busy, retry later", "LOCK_TIMEOUT", http.StatusServiceUnavailable)
	case core.IsConsistencyFault(err):
		writeError(w, r, "inventory consistency fault", "CONSISTENCY_FAULT", http.StatusInternalServerError)
	default:
		writeError(w, r, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

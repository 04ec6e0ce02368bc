package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/causal/internal/domain"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, errorType, message string, status int) {
	respondJSON(w, ErrorResponse{Error: errorType, Message: message, Code: status}, status)
}

// classify maps errors returned before a turn starts to an error type and
// HTTP status.
func classify(err error) (string, int) {
	switch domain.ClassOf(err) {
	case domain.ClassInvalid:
		return "invalid_request", http.StatusBadRequest
	case domain.ClassNotFound:
		return "not_found", http.StatusNotFound
	case domain.ClassConflict:
		return "conflict", http.StatusConflict
	case domain.ClassMisconfigured:
		return "misconfigured", http.StatusUnprocessableEntity
	}
	return "internal_error", http.StatusInternalServerError
}

// errorResponse hides the detail of internal errors from the caller.
func errorResponse(r *http.Request, err error) ErrorResponse {
	errType, status := classify(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		return ErrorResponse{Error: errType, Message: "internal error", Code: status}
	}
	return ErrorResponse{Error: errType, Message: err.Error(), Code: status}
}

func respondDomainError(r *http.Request, w http.ResponseWriter, err error) {
	resp := errorResponse(r, err)
	respondJSON(w, resp, resp.Code)
}

func validateURLParam(r *http.Request, w http.ResponseWriter, paramName, field string) (string, bool) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		respondError(w, "invalid_request", field+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

func decodeJSON[T any](r *http.Request, w http.ResponseWriter) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid_request", "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// Package response holds the submission API's JSON envelope helpers and
// the mapping from domain errors to HTTP status codes.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rezkam/gridx/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK sends a 200 OK response with JSON data.
func OK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}

// Created sends a 201 Created response with JSON data.
func Created(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

// NoContent sends a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error sends a generic error response.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// BadRequest sends a 400 invalid_input error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "invalid_input", message, http.StatusBadRequest)
}

// FromDomainError maps a domain error to its HTTP representation.
// Unexpected errors are logged server-side and surfaced as a generic
// internal error.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidID):
		Error(w, "invalid_input", err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInsufficientCredits):
		Error(w, "insufficient_credits", err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, domain.ErrNotFound):
		Error(w, "not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict):
		Error(w, "conflict", err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrUnauthenticated):
		Error(w, "unauthenticated", err.Error(), http.StatusUnauthorized)
	default:
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
		Error(w, "internal", "an internal error occurred", http.StatusInternalServerError)
	}
}

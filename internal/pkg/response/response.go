// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"customCode":"internal_error","message":"Failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes the {customCode, errorId, message, errorData?} envelope.
// Sentinel errors get a fresh error id assigned here.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)
	if apiErr.ErrorID == uuid.Nil {
		apiErr = apiErr.WithMessage(apiErr.Message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Accepted writes a 202 Accepted response.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// BadRequest writes a 400 invalid_parameter error response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, apierrors.ErrInvalidParameter.WithMessage(message))
}

// NotFound writes a 404 error response with the given code sentinel.
func NotFound(w http.ResponseWriter, err *apierrors.APIError) {
	Error(w, err)
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter) {
	Error(w, apierrors.ErrInternal)
}

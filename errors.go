package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/licensing/internal/activation"
	"github.com/example/licensing/internal/logger"
	"github.com/example/licensing/internal/store"
	"github.com/example/licensing/internal/token"
	"github.com/example/licensing/internal/webhook"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeAPIError(w, status, APIError{Code: code, Message: message})
}

func writeAPIError(w http.ResponseWriter, status int, e APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		logger.L().Warn("write error response", logger.Err(err))
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// classify maps a service error onto an HTTP status, an error code and a short
// user-facing reason.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, webhook.ErrSignatureInvalid):
		return http.StatusUnauthorized, "SIGNATURE_INVALID", "invalid signature"
	case errors.Is(err, webhook.ErrSecretMissing):
		return http.StatusInternalServerError, "CONFIGURATION_MISSING", "webhook secret not configured"
	case errors.Is(err, token.ErrExpired):
		return http.StatusBadRequest, "TOKEN_EXPIRED", "This link has expired."
	case errors.Is(err, token.ErrInvalid):
		return http.StatusBadRequest, "TOKEN_INVALID", "This link is invalid."
	case errors.Is(err, activation.ErrRequestNotFound):
		return http.StatusBadRequest, "REQUEST_NOT_FOUND", "No activation request matches this link."
	case errors.Is(err, activation.ErrRequestAlreadyUsed):
		return http.StatusBadRequest, "REQUEST_ALREADY_USED", "This link has already been used."
	case errors.Is(err, activation.ErrRequestExpired):
		return http.StatusBadRequest, "REQUEST_EXPIRED", "This link has expired."
	case errors.Is(err, activation.ErrInvalidPayload):
		return http.StatusBadRequest, "INVALID_PAYLOAD", "This link does not match its activation request."
	case errors.Is(err, activation.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST", "Email and device id are required."
	case errors.Is(err, activation.ErrDeviceMismatch):
		return http.StatusConflict, "DEVICE_MISMATCH", "Your account is already linked to another device."
	case errors.Is(err, activation.ErrDeviceLinked):
		return http.StatusConflict, "DEVICE_LINKED", "This device is linked to another account."
	case errors.Is(err, store.ErrConflict):
		return http.StatusInternalServerError, "STORAGE_CONFLICT", "Storage conflict, please retry."
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error."
	}
}

// writeServiceError writes err in the JSON envelope, logging server-side
// failures.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= 500 {
		logger.L().Error("request failed", logger.Method(r.Method), logger.Path(r.URL.Path), logger.Err(err))
	}
	writeError(w, status, code, msg)
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

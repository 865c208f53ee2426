package handlers

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/logging"
	"github.com/crawlscope/crawlscope/pkg/services/workqueue"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// errorStatus maps service errors to an HTTP status and error code.
// ok is false for errors with no client-facing meaning.
func errorStatus(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found", true
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", true
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		return http.StatusUnprocessableEntity, "invalid_credentials", true
	case errors.Is(err, apperrors.ErrNoConnection):
		return http.StatusConflict, "no_connection", true
	case errors.Is(err, apperrors.ErrAccountNotSyncable):
		return http.StatusConflict, "account_not_syncable", true
	case errors.Is(err, apperrors.ErrSyncInProgress), errors.Is(err, workqueue.ErrDuplicateKey):
		return http.StatusConflict, "sync_in_progress", true
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", true
	}
	return 0, "", false
}

// writeServiceError writes the response for an error returned by a service.
// Unmapped errors are logged and reported as 500 with fallback as the message.
func writeServiceError(w http.ResponseWriter, err error, fallback string, logger *zap.Logger) {
	if status, code, ok := errorStatus(err); ok {
		if werr := ErrorResponse(w, status, code, logging.SanitizeError(err)); werr != nil {
			logger.Error("Failed to write error response", zap.Error(werr))
		}
		return
	}

	logger.Error(fallback, zap.String("error", logging.SanitizeError(err)))
	if werr := ErrorResponse(w, http.StatusInternalServerError, "internal_error", fallback); werr != nil {
		logger.Error("Failed to write error response", zap.Error(werr))
	}
}

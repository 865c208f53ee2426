package database

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccountIDParam is the route parameter carrying the account ID.
const AccountIDParam = "accountID"

// WithTenantContext creates middleware that sets up an account-scoped DB connection.
// The account ID comes from the {accountID} route parameter.
// The connection is automatically cleaned up after the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := chi.URLParam(r, AccountIDParam)
			accountID, err := uuid.Parse(raw)
			if err != nil {
				logger.Debug("Invalid account ID in route", zap.String("account_id", raw))
				writeError(w, http.StatusBadRequest, "invalid_account_id", "Invalid account ID format")
				return
			}

			scope, err := db.WithTenant(r.Context(), accountID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("account_id", accountID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetTenantScope(r.Context(), scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithoutTenantContext attaches an unscoped connection for routes that span accounts.
func WithoutTenantContext(db *DB, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, err := db.WithoutTenant(r.Context())
			if err != nil {
				logger.Error("Failed to acquire connection", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			next.ServeHTTP(w, r.WithContext(SetTenantScope(r.Context(), scope)))
		})
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

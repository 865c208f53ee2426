package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/services"
)

// AccountHandler handles account and Cloudflare connection requests.
type AccountHandler struct {
	accountSvc    services.AccountService
	connectionSvc services.ConnectionService
	logger        *zap.Logger
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(accountSvc services.AccountService, connectionSvc services.ConnectionService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accountSvc:    accountSvc,
		connectionSvc: connectionSvc,
		logger:        logger,
	}
}

// RegisterRoutes registers account routes. unscoped wraps routes that are not
// tied to one account; tenant wraps routes under /api/accounts/{accountID}.
func (h *AccountHandler) RegisterRoutes(r chi.Router, unscoped, tenant func(http.Handler) http.Handler) {
	r.With(unscoped).Post("/api/accounts", h.Create)

	r.Group(func(r chi.Router) {
		r.Use(tenant)
		r.Get("/api/accounts/{accountID}", h.Get)
		r.Post("/api/accounts/{accountID}/connection", h.SaveConnection)
		r.Delete("/api/accounts/{accountID}/connection", h.Disconnect)
		r.Post("/api/accounts/{accountID}/connection/verify", h.VerifyConnection)
	})
}

type createAccountRequest struct {
	Domain string `json:"domain"`
}

type connectionRequest struct {
	ZoneID   string `json:"zoneId"`
	APIToken string `json:"apiToken"`
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

// Create handles POST /api/accounts
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	account, err := h.accountSvc.Create(r.Context(), req.Domain)
	if err != nil {
		writeServiceError(w, err, "Failed to create account", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, account); err != nil {
		h.logger.Error("Failed to write account response", zap.Error(err))
	}
}

// Get handles GET /api/accounts/{accountID}
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}

	account, err := h.accountSvc.Get(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err, "Failed to get account", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, account); err != nil {
		h.logger.Error("Failed to write account response", zap.Error(err))
	}
}

// SaveConnection handles POST /api/accounts/{accountID}/connection
// The token is verified against Cloudflare before it is stored.
func (h *AccountHandler) SaveConnection(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}
	var req connectionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	conn, err := h.connectionSvc.Save(r.Context(), accountID, req.ZoneID, req.APIToken)
	if err != nil {
		writeServiceError(w, err, "Failed to save connection", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, conn); err != nil {
		h.logger.Error("Failed to write connection response", zap.Error(err))
	}
}

// Disconnect handles DELETE /api/accounts/{accountID}/connection
func (h *AccountHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.connectionSvc.Disconnect(r.Context(), accountID); err != nil {
		writeServiceError(w, err, "Failed to disconnect account", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyConnection handles POST /api/accounts/{accountID}/connection/verify
// It checks credentials without storing them.
func (h *AccountHandler) VerifyConnection(w http.ResponseWriter, r *http.Request) {
	if _, ok := ParseAccountID(w, r, h.logger); !ok {
		return
	}
	var req connectionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	if err := h.connectionSvc.Verify(r.Context(), req.ZoneID, req.APIToken); err != nil {
		writeServiceError(w, err, "Failed to verify connection", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]bool{"valid": true}); err != nil {
		h.logger.Error("Failed to write verify response", zap.Error(err))
	}
}

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/logging"
	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/services"
	"github.com/crawlscope/crawlscope/pkg/services/workqueue"
)

// DefaultManualSyncDays is the lookback of a manual sync without a positive "days" field.
const DefaultManualSyncDays = 30

// SyncHandler handles manual, background and scheduled syncs.
type SyncHandler struct {
	syncSvc  services.SyncService
	queue    *workqueue.Queue
	cronDays int
	logger   *zap.Logger
}

// NewSyncHandler creates a new sync handler. cronDays is the lookback used by
// the scheduled batch sync.
func NewSyncHandler(syncSvc services.SyncService, queue *workqueue.Queue, cronDays int, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		syncSvc:  syncSvc,
		queue:    queue,
		cronDays: cronDays,
		logger:   logger,
	}
}

// RegisterRoutes registers sync routes. The sync service acquires its own
// database connections, so these routes take no tenant middleware.
// cronAuth guards the batch endpoint.
func (h *SyncHandler) RegisterRoutes(r chi.Router, cronAuth func(http.Handler) http.Handler) {
	r.Post("/api/accounts/{accountID}/sync", h.Sync)
	r.Get("/api/accounts/{accountID}/sync-status", h.Status)
	r.With(cronAuth).Get("/api/cron/sync", h.Cron)
}

type syncRequest struct {
	Days *int `json:"days"`
}

type syncResponse struct {
	Success bool `json:"success"`
	*models.SyncResult
}

type asyncSyncResponse struct {
	Queued bool                   `json:"queued"`
	Task   workqueue.TaskSnapshot `json:"task"`
}

type syncStatusResponse struct {
	*models.SyncStatus
	Task *workqueue.TaskSnapshot `json:"task,omitempty"`
}

// Sync handles POST /api/accounts/{accountID}/sync
// Body {"days": n} is optional. With ?async=true the sync is queued and the
// response returns at once; poll sync-status for the outcome.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	days := DefaultManualSyncDays
	if req.Days != nil && *req.Days > 0 {
		days = *req.Days
	}

	if r.URL.Query().Get("async") == "true" {
		snapshot, err := h.queue.Enqueue(services.NewSyncTask(h.syncSvc, accountID, days))
		if err != nil {
			writeServiceError(w, err, "Failed to queue sync", h.logger)
			return
		}
		if err := WriteJSON(w, http.StatusAccepted, asyncSyncResponse{Queued: true, Task: snapshot}); err != nil {
			h.logger.Error("Failed to write sync response", zap.Error(err))
		}
		return
	}

	result, err := h.syncSvc.SyncAccount(r.Context(), accountID, days)
	if err != nil {
		if _, _, mapped := errorStatus(err); mapped {
			writeServiceError(w, err, "Sync failed", h.logger)
			return
		}
		// Upstream and write failures are already recorded on the account.
		if err := ErrorResponse(w, http.StatusBadGateway, "sync_failed", logging.SanitizeError(err)); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, syncResponse{Success: true, SyncResult: result}); err != nil {
		h.logger.Error("Failed to write sync response", zap.Error(err))
	}
}

// Status handles GET /api/accounts/{accountID}/sync-status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}

	status, err := h.syncSvc.Status(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err, "Failed to get sync status", h.logger)
		return
	}

	resp := syncStatusResponse{SyncStatus: status}
	if task, ok := h.queue.Latest(accountID.String()); ok {
		resp.Task = &task
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write sync status response", zap.Error(err))
	}
}

// Cron handles GET /api/cron/sync
func (h *SyncHandler) Cron(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncSvc.SyncAllConnected(r.Context(), h.cronDays)
	if err != nil {
		writeServiceError(w, err, "Batch sync failed", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, report); err != nil {
		h.logger.Error("Failed to write batch sync response", zap.Error(err))
	}
}

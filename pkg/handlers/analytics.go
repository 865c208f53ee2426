package handlers

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/services"
)

// AnalyticsHandler serves rollup reads and exports.
type AnalyticsHandler struct {
	accountSvc   services.AccountService
	exportSvc    services.ExportService
	dashboardSvc services.DashboardService
	logger       *zap.Logger
}

// NewAnalyticsHandler creates a new analytics handler.
func NewAnalyticsHandler(
	accountSvc services.AccountService,
	exportSvc services.ExportService,
	dashboardSvc services.DashboardService,
	logger *zap.Logger,
) *AnalyticsHandler {
	return &AnalyticsHandler{
		accountSvc:   accountSvc,
		exportSvc:    exportSvc,
		dashboardSvc: dashboardSvc,
		logger:       logger,
	}
}

// RegisterRoutes registers analytics routes behind the tenant middleware.
func (h *AnalyticsHandler) RegisterRoutes(r chi.Router, tenant func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(tenant)
		r.Get("/api/accounts/{accountID}/export", h.Export)
		r.Get("/api/accounts/{accountID}/snapshots", h.Snapshots)
		r.Get("/api/accounts/{accountID}/paths", h.Paths)
	})
}

var exportContentTypes = map[string]string{
	services.ExportFormatCSV:  "text/csv; charset=utf-8",
	services.ExportFormatJSON: "application/json",
}

// Export handles GET /api/accounts/{accountID}/export?format=csv|json
func (h *AnalyticsHandler) Export(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = services.ExportFormatCSV
	}
	if !services.ValidExportFormat(format) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "format must be csv or json"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	account, err := h.accountSvc.Get(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err, "Failed to get account", h.logger)
		return
	}

	// Buffer so a failure midway still produces a clean error response.
	var buf bytes.Buffer
	if err := h.exportSvc.Export(r.Context(), accountID, format, &buf); err != nil {
		writeServiceError(w, err, "Failed to export analytics", h.logger)
		return
	}

	w.Header().Set("Content-Type", exportContentTypes[format])
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-analytics.%s"`, account.Domain, format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Error("Failed to write export", zap.Error(err))
	}
}

type snapshotsResponse struct {
	Snapshots []models.AgentSnapshot `json:"snapshots"`
}

type pathsResponse struct {
	Paths []models.PathTotal `json:"paths"`
}

// Snapshots handles GET /api/accounts/{accountID}/snapshots?days=n
func (h *AnalyticsHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}
	days, ok := queryInt(w, r, "days", 0, h.logger)
	if !ok {
		return
	}

	snapshots, err := h.dashboardSvc.Snapshots(r.Context(), accountID, days)
	if err != nil {
		writeServiceError(w, err, "Failed to list snapshots", h.logger)
		return
	}
	if snapshots == nil {
		snapshots = []models.AgentSnapshot{}
	}

	if err := WriteJSON(w, http.StatusOK, snapshotsResponse{Snapshots: snapshots}); err != nil {
		h.logger.Error("Failed to write snapshots response", zap.Error(err))
	}
}

// Paths handles GET /api/accounts/{accountID}/paths?days=n&limit=n
func (h *AnalyticsHandler) Paths(w http.ResponseWriter, r *http.Request) {
	accountID, ok := ParseAccountID(w, r, h.logger)
	if !ok {
		return
	}
	days, ok := queryInt(w, r, "days", 0, h.logger)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", services.DefaultTopPathsLimit, h.logger)
	if !ok {
		return
	}

	paths, err := h.dashboardSvc.TopPaths(r.Context(), accountID, days, limit)
	if err != nil {
		writeServiceError(w, err, "Failed to list top paths", h.logger)
		return
	}
	if paths == nil {
		paths = []models.PathTotal{}
	}

	if err := WriteJSON(w, http.StatusOK, pathsResponse{Paths: paths}); err != nil {
		h.logger.Error("Failed to write paths response", zap.Error(err))
	}
}

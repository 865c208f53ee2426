package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/repositories"
)

// Export formats.
const (
	ExportFormatCSV  = "csv"
	ExportFormatJSON = "json"
)

// exportHeader is the CSV header row. Column order is part of the download format.
var exportHeader = []string{"date", "bot_name", "bot_org", "bot_category", "request_count", "bytes_transferred"}

// ExportService writes an account's agent snapshots as a file download.
type ExportService interface {
	// Export writes every agent snapshot of the account to w, ordered by date
	// then bot name. format is ExportFormatCSV or ExportFormatJSON.
	Export(ctx context.Context, accountID uuid.UUID, format string, w io.Writer) error
}

type exportService struct {
	snapshots repositories.SnapshotRepository
	logger    *zap.Logger
}

// NewExportService creates a new export service.
func NewExportService(snapshots repositories.SnapshotRepository, logger *zap.Logger) ExportService {
	return &exportService{
		snapshots: snapshots,
		logger:    logger.Named("export"),
	}
}

// ValidExportFormat reports whether format is supported.
func ValidExportFormat(format string) bool {
	return format == ExportFormatCSV || format == ExportFormatJSON
}

func (s *exportService) Export(ctx context.Context, accountID uuid.UUID, format string, w io.Writer) error {
	if !ValidExportFormat(format) {
		return fmt.Errorf("%w: unsupported export format %q", apperrors.ErrInvalidInput, format)
	}

	rows, err := s.snapshots.ListForExport(ctx, accountID)
	if err != nil {
		return err
	}

	s.logger.Debug("Exporting snapshots",
		zap.String("account_id", accountID.String()),
		zap.String("format", format),
		zap.Int("rows", len(rows)))

	if format == ExportFormatJSON {
		return writeJSONExport(w, rows)
	}
	return writeCSVExport(w, rows)
}

func writeCSVExport(w io.Writer, rows []models.AgentSnapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.Date,
			r.BotName,
			r.BotOrg,
			string(r.BotCategory),
			strconv.FormatInt(r.RequestCount, 10),
			strconv.FormatInt(r.BytesTransferred, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// exportRecord carries the CSV column names into the JSON form.
type exportRecord struct {
	Date             string `json:"date"`
	BotName          string `json:"bot_name"`
	BotOrg           string `json:"bot_org"`
	BotCategory      string `json:"bot_category"`
	RequestCount     int64  `json:"request_count"`
	BytesTransferred int64  `json:"bytes_transferred"`
}

func writeJSONExport(w io.Writer, rows []models.AgentSnapshot) error {
	records := make([]exportRecord, len(rows))
	for i, r := range rows {
		records[i] = exportRecord{
			Date:             r.Date,
			BotName:          r.BotName,
			BotOrg:           r.BotOrg,
			BotCategory:      string(r.BotCategory),
			RequestCount:     r.RequestCount,
			BytesTransferred: r.BytesTransferred,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode json export: %w", err)
	}
	return nil
}

var _ ExportService = (*exportService)(nil)

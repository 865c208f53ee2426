package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/metrics"
	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/repositories"
)

// DefaultBatchSize is the number of rows written per transaction.
const DefaultBatchSize = 500

// UpsertWriter writes an Aggregation to the rollup tables in fixed-size batches.
// Each batch commits on its own; a failed batch stops the write and earlier
// batches stay committed.
type UpsertWriter struct {
	repo      repositories.SnapshotRepository
	batchSize int
	logger    *zap.Logger
}

// NewUpsertWriter creates a writer. batchSize <= 0 uses DefaultBatchSize.
func NewUpsertWriter(repo repositories.SnapshotRepository, batchSize int, logger *zap.Logger) *UpsertWriter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &UpsertWriter{
		repo:      repo,
		batchSize: batchSize,
		logger:    logger.Named("upsert-writer"),
	}
}

// Write upserts snapshots, then paths, then prunes every written date down to
// the path rows of this run, so a date never keeps paths that fell out of its
// top list on a later sync. It returns the number of rows of each kind that
// were committed, even on error.
func (w *UpsertWriter) Write(ctx context.Context, accountID uuid.UUID, agg *Aggregation) (snapshots, paths int, err error) {
	for i, batch := range chunk(agg.Snapshots, w.batchSize) {
		if err := w.repo.UpsertSnapshots(ctx, accountID, batch); err != nil {
			return snapshots, paths, fmt.Errorf("snapshot batch %d: %w", i+1, err)
		}
		snapshots += len(batch)
		metrics.RollupRowsUpserted.WithLabelValues("crawler_snapshots").Add(float64(len(batch)))
	}

	for i, batch := range chunk(agg.Paths, w.batchSize) {
		if err := w.repo.UpsertPaths(ctx, accountID, batch); err != nil {
			return snapshots, paths, fmt.Errorf("path batch %d: %w", i+1, err)
		}
		paths += len(batch)
		metrics.RollupRowsUpserted.WithLabelValues("crawler_paths").Add(float64(len(batch)))
	}

	byDate := pathsByDate(agg)
	var pruned int64
	for _, date := range sortedKeys(byDate) {
		n, err := w.repo.PrunePaths(ctx, accountID, date, byDate[date])
		if err != nil {
			return snapshots, paths, fmt.Errorf("prune paths: %w", err)
		}
		pruned += n
	}

	w.logger.Debug("Rollups written",
		zap.String("account_id", accountID.String()),
		zap.Int("snapshots", snapshots),
		zap.Int("paths", paths),
		zap.Int64("paths_pruned", pruned))

	return snapshots, paths, nil
}

// pathsByDate groups the run's path rows by date. Every date that has a
// snapshot appears, with no paths if none made the top list.
func pathsByDate(agg *Aggregation) map[string][]models.PathSnapshot {
	out := make(map[string][]models.PathSnapshot)
	for _, s := range agg.Snapshots {
		if _, ok := out[s.Date]; !ok {
			out[s.Date] = nil
		}
	}
	for _, p := range agg.Paths {
		out[p.Date] = append(out[p.Date], p)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chunk splits items into consecutive slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

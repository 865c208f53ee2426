package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/config"
	"github.com/crawlscope/crawlscope/pkg/models"
)

// PageFunc fetches one page of rows for the window [start, end], ordered by hour bucket.
type PageFunc func(ctx context.Context, start, end time.Time) ([]models.AnalyticsRow, error)

// PageResult is everything a pagination run collected.
type PageResult struct {
	Rows  []models.AnalyticsRow
	Pages int
	// TruncatedBuckets counts hour buckets that filled a whole page on their own.
	// Rows of such a bucket beyond the page limit were never fetched.
	TruncatedBuckets int
	// DuplicatesDropped counts boundary rows fetched twice and discarded.
	DuplicatesDropped int
}

// Paginator drains a time window from a page-capped source by advancing an
// hour-bucket cursor.
type Paginator struct {
	pageLimit int
	policy    string
	logger    *zap.Logger
}

// NewPaginator creates a paginator. pageLimit is the source's row cap per page;
// policy is config.BoundaryPolicyDedupe or config.BoundaryPolicyKeep.
func NewPaginator(pageLimit int, policy string, logger *zap.Logger) *Paginator {
	return &Paginator{
		pageLimit: pageLimit,
		policy:    policy,
		logger:    logger.Named("paginator"),
	}
}

// Paginate fetches pages until one comes back short of the page limit.
//
// After a full page the cursor moves to the hour bucket of the page's last
// row, so that bucket is fetched again from its start. Rows of that bucket
// already seen are dropped under the dedupe policy and counted twice under
// the keep policy. When a full page ends in the cursor's own bucket the
// cursor moves to the next hour and the bucket is recorded as truncated.
func (p *Paginator) Paginate(ctx context.Context, fetch PageFunc, start, end time.Time) (*PageResult, error) {
	result := &PageResult{}
	dedupe := p.policy != config.BoundaryPolicyKeep
	var seen map[models.RowIdentity]struct{}
	if dedupe {
		seen = make(map[models.RowIdentity]struct{})
	}

	cursor := start
	for !cursor.After(end) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows, err := fetch(ctx, cursor, end)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", result.Pages+1, err)
		}
		result.Pages++

		for _, row := range rows {
			if dedupe {
				id := row.Identity()
				if _, dup := seen[id]; dup {
					result.DuplicatesDropped++
					continue
				}
				seen[id] = struct{}{}
			}
			result.Rows = append(result.Rows, row)
		}

		if len(rows) < p.pageLimit {
			break
		}

		lastHour := rows[len(rows)-1].Hour.UTC().Truncate(time.Hour)
		if !lastHour.After(cursor) {
			next := cursor.Truncate(time.Hour).Add(time.Hour)
			result.TruncatedBuckets++
			p.logger.Warn("Hour bucket exceeds page limit, skipping remainder",
				zap.Time("bucket", lastHour),
				zap.Time("next_cursor", next),
				zap.Int("page_limit", p.pageLimit))
			cursor = next
			continue
		}
		cursor = lastHour
	}

	p.logger.Debug("Pagination complete",
		zap.Int("pages", result.Pages),
		zap.Int("rows", len(result.Rows)),
		zap.Int("duplicates_dropped", result.DuplicatesDropped),
		zap.Int("truncated_buckets", result.TruncatedBuckets))

	return result, nil
}

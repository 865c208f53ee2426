package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crawlscope/crawlscope/pkg/agents"
	"github.com/crawlscope/crawlscope/pkg/database"
	"github.com/crawlscope/crawlscope/pkg/models"
)

// SnapshotRepository defines the interface for the two crawler rollup tables.
type SnapshotRepository interface {
	// UpsertSnapshots writes one batch of agent snapshots atomically.
	// Conflicting rows have their counters replaced, not incremented.
	UpsertSnapshots(ctx context.Context, accountID uuid.UUID, snapshots []models.AgentSnapshot) error
	// UpsertPaths writes one batch of path snapshots atomically.
	UpsertPaths(ctx context.Context, accountID uuid.UUID, paths []models.PathSnapshot) error
	// PrunePaths deletes the date's path rows whose (path, bot name) is not in keep
	// and returns how many were removed. An empty keep clears the date.
	PrunePaths(ctx context.Context, accountID uuid.UUID, date string, keep []models.PathSnapshot) (int64, error)
	// ListForExport returns every agent snapshot of the account ordered by date then bot name.
	ListForExport(ctx context.Context, accountID uuid.UUID) ([]models.AgentSnapshot, error)
	// ListSnapshots returns agent snapshots dated on or after sinceDate (YYYY-MM-DD).
	ListSnapshots(ctx context.Context, accountID uuid.UUID, sinceDate string) ([]models.AgentSnapshot, error)
	// TopPaths sums path snapshots dated on or after sinceDate across dates and agents.
	TopPaths(ctx context.Context, accountID uuid.UUID, sinceDate string, limit int) ([]models.PathTotal, error)
}

type snapshotRepository struct{}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository() SnapshotRepository {
	return &snapshotRepository{}
}

func (r *snapshotRepository) UpsertSnapshots(ctx context.Context, accountID uuid.UUID, snapshots []models.AgentSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO crawler_snapshots (account_id, date, bot_name, bot_category, bot_org, request_count, bytes_transferred)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, date, bot_name) DO UPDATE
		SET request_count = EXCLUDED.request_count,
		    bytes_transferred = EXCLUDED.bytes_transferred,
		    bot_category = EXCLUDED.bot_category,
		    bot_org = EXCLUDED.bot_org,
		    updated_at = now()`

	for _, s := range snapshots {
		batch.Queue(query, accountID, s.Date, s.BotName, string(s.BotCategory), s.BotOrg, s.RequestCount, s.BytesTransferred)
	}

	if err := sendBatchTx(ctx, batch); err != nil {
		return fmt.Errorf("upsert crawler snapshots: %w", err)
	}
	return nil
}

func (r *snapshotRepository) UpsertPaths(ctx context.Context, accountID uuid.UUID, paths []models.PathSnapshot) error {
	if len(paths) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO crawler_paths (account_id, date, path, bot_name, request_count)
		VALUES ($1, $2::date, $3, $4, $5)
		ON CONFLICT (account_id, date, path, bot_name) DO UPDATE
		SET request_count = EXCLUDED.request_count,
		    updated_at = now()`

	for _, p := range paths {
		batch.Queue(query, accountID, p.Date, p.Path, p.BotName, p.RequestCount)
	}

	if err := sendBatchTx(ctx, batch); err != nil {
		return fmt.Errorf("upsert crawler paths: %w", err)
	}
	return nil
}

func (r *snapshotRepository) PrunePaths(ctx context.Context, accountID uuid.UUID, date string, keep []models.PathSnapshot) (int64, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	keepPaths := make([]string, len(keep))
	keepBots := make([]string, len(keep))
	for i, p := range keep {
		keepPaths[i] = p.Path
		keepBots[i] = p.BotName
	}

	query := `
		DELETE FROM crawler_paths cp
		WHERE cp.account_id = $1
		  AND cp.date = $2::date
		  AND NOT EXISTS (
		      SELECT 1 FROM unnest($3::text[], $4::text[]) AS k(path, bot_name)
		      WHERE k.path = cp.path AND k.bot_name = cp.bot_name)`

	tag, err := scope.Conn.Exec(ctx, query, accountID, date, keepPaths, keepBots)
	if err != nil {
		return 0, fmt.Errorf("prune crawler paths for %s: %w", date, err)
	}
	return tag.RowsAffected(), nil
}

// sendBatchTx runs a batch inside a transaction on the scoped connection.
func sendBatchTx(ctx context.Context, batch *pgx.Batch) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *snapshotRepository) ListForExport(ctx context.Context, accountID uuid.UUID) ([]models.AgentSnapshot, error) {
	return r.listSnapshots(ctx, accountID, "")
}

func (r *snapshotRepository) ListSnapshots(ctx context.Context, accountID uuid.UUID, sinceDate string) ([]models.AgentSnapshot, error) {
	return r.listSnapshots(ctx, accountID, sinceDate)
}

func (r *snapshotRepository) listSnapshots(ctx context.Context, accountID uuid.UUID, sinceDate string) ([]models.AgentSnapshot, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT to_char(date, 'YYYY-MM-DD'), bot_name, COALESCE(bot_org, ''), COALESCE(bot_category, ''),
		       request_count, bytes_transferred
		FROM crawler_snapshots
		WHERE account_id = $1
		  AND ($2::text = '' OR date >= NULLIF($2::text, '')::date)
		ORDER BY date, bot_name`

	rows, err := scope.Conn.Query(ctx, query, accountID, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawler snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]models.AgentSnapshot, 0)
	for rows.Next() {
		var s models.AgentSnapshot
		var category string
		if err := rows.Scan(&s.Date, &s.BotName, &s.BotOrg, &category, &s.RequestCount, &s.BytesTransferred); err != nil {
			return nil, fmt.Errorf("failed to scan crawler snapshot: %w", err)
		}
		s.BotCategory = agents.Category(category)
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating crawler snapshots: %w", err)
	}
	return snapshots, nil
}

func (r *snapshotRepository) TopPaths(ctx context.Context, accountID uuid.UUID, sinceDate string, limit int) ([]models.PathTotal, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT path, SUM(request_count)::bigint AS total, COUNT(DISTINCT bot_name)::int
		FROM crawler_paths
		WHERE account_id = $1 AND date >= $2::date
		GROUP BY path
		ORDER BY total DESC, path
		LIMIT $3`

	rows, err := scope.Conn.Query(ctx, query, accountID, sinceDate, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top paths: %w", err)
	}
	defer rows.Close()

	totals := make([]models.PathTotal, 0)
	for rows.Next() {
		var p models.PathTotal
		if err := rows.Scan(&p.Path, &p.TotalRequests, &p.AgentCount); err != nil {
			return nil, fmt.Errorf("failed to scan path total: %w", err)
		}
		totals = append(totals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating path totals: %w", err)
	}
	return totals, nil
}

var _ SnapshotRepository = (*snapshotRepository)(nil)

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/database"
	"github.com/crawlscope/crawlscope/pkg/models"
)

// ConnectionRepository defines the interface for Cloudflare connection data access.
// Each account has at most one connection.
type ConnectionRepository interface {
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.Connection, error)
	// Upsert creates the account's connection or replaces its zone and token.
	// Replacing credentials clears any recorded sync error.
	Upsert(ctx context.Context, conn *models.Connection) error
	Delete(ctx context.Context, accountID uuid.UUID) error
	// MarkSynced stamps last_synced_at and clears sync_error.
	MarkSynced(ctx context.Context, accountID uuid.UUID, at time.Time) error
	// RecordError stores sync_error and leaves last_synced_at untouched.
	RecordError(ctx context.Context, accountID uuid.UUID, message string) error
}

type connectionRepository struct{}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository() ConnectionRepository {
	return &connectionRepository{}
}

func (r *connectionRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.Connection, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, account_id, zone_id, api_token_enc, provider, last_synced_at, sync_error, created_at, updated_at
		FROM connections
		WHERE account_id = $1`

	var c models.Connection
	err := scope.Conn.QueryRow(ctx, query, accountID).Scan(
		&c.ID, &c.AccountID, &c.ZoneID, &c.APITokenEnc, &c.Provider,
		&c.LastSyncedAt, &c.SyncError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &c, nil
}

func (r *connectionRepository) Upsert(ctx context.Context, conn *models.Connection) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.Provider == "" {
		conn.Provider = models.ProviderCloudflare
	}

	query := `
		INSERT INTO connections (id, account_id, zone_id, api_token_enc, provider)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE
		SET zone_id = EXCLUDED.zone_id,
		    api_token_enc = EXCLUDED.api_token_enc,
		    provider = EXCLUDED.provider,
		    sync_error = NULL,
		    updated_at = now()
		RETURNING id, created_at, updated_at`

	err := scope.Conn.QueryRow(ctx, query,
		conn.ID, conn.AccountID, conn.ZoneID, conn.APITokenEnc, conn.Provider,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	conn.SyncError = nil
	return nil
}

func (r *connectionRepository) Delete(ctx context.Context, accountID uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM connections WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) MarkSynced(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	result, err := scope.Conn.Exec(ctx,
		`UPDATE connections SET last_synced_at = $2, sync_error = NULL, updated_at = now() WHERE account_id = $1`,
		accountID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark connection synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) RecordError(ctx context.Context, accountID uuid.UUID, message string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	result, err := scope.Conn.Exec(ctx,
		`UPDATE connections SET sync_error = $2, updated_at = now() WHERE account_id = $1`,
		accountID, message)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

var _ ConnectionRepository = (*connectionRepository)(nil)

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

// AccountRepository defines the interface for account data access.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error
	// ListSyncable returns connected accounts that have a connection, oldest first.
	ListSyncable(ctx context.Context) ([]*models.Account, error)
}

type accountRepository struct{}

// NewAccountRepository creates a new account repository.
func NewAccountRepository() AccountRepository {
	return &accountRepository{}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Status == "" {
		account.Status = models.AccountStatusPending
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	query := `
		INSERT INTO accounts (id, domain, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := scope.Conn.Exec(ctx, query,
		account.ID, account.Domain, string(account.Status), account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, domain, status, created_at, updated_at
		FROM accounts
		WHERE id = $1`

	var a models.Account
	var status string
	err := scope.Conn.QueryRow(ctx, query, id).Scan(&a.ID, &a.Domain, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.Status = models.AccountStatus(status)
	return &a, nil
}

func (r *accountRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	result, err := scope.Conn.Exec(ctx,
		`UPDATE accounts SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *accountRepository) ListSyncable(ctx context.Context) ([]*models.Account, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT a.id, a.domain, a.status, a.created_at, a.updated_at
		FROM accounts a
		JOIN connections c ON c.account_id = a.id
		WHERE a.status = $1
		ORDER BY a.created_at, a.id`

	rows, err := scope.Conn.Query(ctx, query, string(models.AccountStatusConnected))
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		var a models.Account
		var status string
		if err := rows.Scan(&a.ID, &a.Domain, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Status = models.AccountStatus(status)
		accounts = append(accounts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

var _ AccountRepository = (*accountRepository)(nil)

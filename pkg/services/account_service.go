package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/repositories"
)

// AccountService manages monitored domains.
type AccountService interface {
	Create(ctx context.Context, domain string) (*models.Account, error)
	Get(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
}

type accountService struct {
	accounts repositories.AccountRepository
	logger   *zap.Logger
}

// NewAccountService creates a new account service.
func NewAccountService(accounts repositories.AccountRepository, logger *zap.Logger) AccountService {
	return &accountService{
		accounts: accounts,
		logger:   logger.Named("accounts"),
	}
}

// NormalizeDomain lowercases a domain and strips any scheme, path or trailing dot.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")
	if d == "" || strings.ContainsAny(d, " \t:@") || !strings.Contains(d, ".") {
		return "", fmt.Errorf("%w: %q is not a domain", apperrors.ErrInvalidInput, raw)
	}
	return d, nil
}

func (s *accountService) Create(ctx context.Context, domain string) (*models.Account, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}

	account := &models.Account{Domain: d, Status: models.AccountStatusPending}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account created",
		zap.String("account_id", account.ID.String()),
		zap.String("domain", account.Domain))
	return account, nil
}

func (s *accountService) Get(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return s.accounts.GetByID(ctx, accountID)
}

var _ AccountService = (*accountService)(nil)

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/cloudflare"
	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/repositories"
)

// CredentialVerifier checks a Cloudflare token against a zone.
type CredentialVerifier interface {
	VerifyToken(ctx context.Context, token string) error
	TestZoneAccess(ctx context.Context, token, zoneID string) error
}

// ConnectionService links accounts to Cloudflare zones.
type ConnectionService interface {
	// Verify checks that the token is active and can read the zone's analytics.
	// Rejected credentials wrap apperrors.ErrInvalidCredentials; transport
	// failures are returned as they are.
	Verify(ctx context.Context, zoneID, token string) error
	// Save verifies the credentials, stores the encrypted token and marks the
	// account connected.
	Save(ctx context.Context, accountID uuid.UUID, zoneID, token string) (*models.Connection, error)
	// Disconnect deletes the connection and marks the account disconnected.
	Disconnect(ctx context.Context, accountID uuid.UUID) error
}

type connectionService struct {
	accounts    repositories.AccountRepository
	connections repositories.ConnectionRepository
	verifier    CredentialVerifier
	vault       TokenCipher
	logger      *zap.Logger
}

// NewConnectionService creates a new connection service.
func NewConnectionService(
	accounts repositories.AccountRepository,
	connections repositories.ConnectionRepository,
	verifier CredentialVerifier,
	vault TokenCipher,
	logger *zap.Logger,
) ConnectionService {
	return &connectionService{
		accounts:    accounts,
		connections: connections,
		verifier:    verifier,
		vault:       vault,
		logger:      logger.Named("connections"),
	}
}

// isCredentialError reports whether err means Cloudflare rejected the credentials
// rather than failed to answer.
func isCredentialError(err error) bool {
	if errors.Is(err, cloudflare.ErrTokenInactive) || errors.Is(err, cloudflare.ErrZoneNotFound) {
		return true
	}
	var gqlErr *cloudflare.GraphQLError
	if errors.As(err, &gqlErr) {
		return true
	}
	var httpErr *cloudflare.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
			httpErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

func (s *connectionService) Verify(ctx context.Context, zoneID, token string) error {
	zoneID = strings.TrimSpace(zoneID)
	token = strings.TrimSpace(token)
	if zoneID == "" || token == "" {
		return fmt.Errorf("%w: zone ID and API token are required", apperrors.ErrInvalidInput)
	}

	if err := s.verifier.VerifyToken(ctx, token); err != nil {
		if isCredentialError(err) {
			return fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
		}
		return fmt.Errorf("failed to verify token: %w", err)
	}
	if err := s.verifier.TestZoneAccess(ctx, token, zoneID); err != nil {
		if isCredentialError(err) {
			return fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
		}
		return fmt.Errorf("failed to test zone access: %w", err)
	}
	return nil
}

func (s *connectionService) Save(ctx context.Context, accountID uuid.UUID, zoneID, token string) (*models.Connection, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	zoneID = strings.TrimSpace(zoneID)
	token = strings.TrimSpace(token)
	if err := s.Verify(ctx, zoneID, token); err != nil {
		return nil, err
	}

	encrypted, err := s.vault.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt api token: %w", err)
	}

	conn := &models.Connection{
		AccountID:   account.ID,
		ZoneID:      zoneID,
		APITokenEnc: encrypted,
		Provider:    models.ProviderCloudflare,
	}
	if err := s.connections.Upsert(ctx, conn); err != nil {
		return nil, err
	}

	if account.Status != models.AccountStatusConnected {
		if err := s.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusConnected); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Connection saved",
		zap.String("account_id", account.ID.String()),
		zap.String("zone_id", zoneID),
		zap.String("previous_status", string(account.Status)))
	return conn, nil
}

func (s *connectionService) Disconnect(ctx context.Context, accountID uuid.UUID) error {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return err
	}

	if err := s.connections.Delete(ctx, accountID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: account %s", apperrors.ErrNoConnection, accountID)
		}
		return err
	}
	if err := s.accounts.UpdateStatus(ctx, accountID, models.AccountStatusDisconnected); err != nil {
		return err
	}

	s.logger.Info("Connection removed", zap.String("account_id", accountID.String()))
	return nil
}

var _ ConnectionService = (*connectionService)(nil)

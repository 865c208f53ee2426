package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/config"
	"github.com/crawlscope/crawlscope/pkg/database"
	"github.com/crawlscope/crawlscope/pkg/locks"
	"github.com/crawlscope/crawlscope/pkg/logging"
	"github.com/crawlscope/crawlscope/pkg/metrics"
	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/repositories"
)

// PageFetcher fetches one page of analytics rows for a zone.
type PageFetcher interface {
	FetchPage(ctx context.Context, token, zoneID string, start, end time.Time) ([]models.AnalyticsRow, error)
}

// TokenCipher encrypts and decrypts stored API tokens.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// SyncService pulls Cloudflare analytics for accounts and maintains the rollups.
type SyncService interface {
	// SyncAccount syncs one account over the last lookbackDays days.
	// lookbackDays <= 0 uses the configured default; values above the
	// configured maximum are capped.
	SyncAccount(ctx context.Context, accountID uuid.UUID, lookbackDays int) (*models.SyncResult, error)

	// SyncAllConnected syncs every connected account in turn, pausing between
	// accounts. One account's failure does not stop the others.
	SyncAllConnected(ctx context.Context, lookbackDays int) (*models.BatchSyncReport, error)

	// Status returns the account's status and the outcome of its last sync.
	Status(ctx context.Context, accountID uuid.UUID) (*models.SyncStatus, error)
}

type syncService struct {
	accounts    repositories.AccountRepository
	connections repositories.ConnectionRepository
	writer      *UpsertWriter
	fetcher     PageFetcher
	vault       TokenCipher
	locker      locks.Locker
	scopes      database.ScopeProvider
	paginator   *Paginator
	clock       quartz.Clock
	cfg         config.SyncConfig
	logger      *zap.Logger
}

// NewSyncService creates a new sync service.
func NewSyncService(
	accounts repositories.AccountRepository,
	connections repositories.ConnectionRepository,
	writer *UpsertWriter,
	fetcher PageFetcher,
	vault TokenCipher,
	locker locks.Locker,
	scopes database.ScopeProvider,
	clock quartz.Clock,
	cfg config.SyncConfig,
	logger *zap.Logger,
) SyncService {
	logger = logger.Named("sync")
	return &syncService{
		accounts:    accounts,
		connections: connections,
		writer:      writer,
		fetcher:     fetcher,
		vault:       vault,
		locker:      locker,
		scopes:      scopes,
		paginator:   NewPaginator(cfg.PageLimit, cfg.BoundaryPolicy, logger),
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// lockKey names the per-account sync lease.
func lockKey(accountID uuid.UUID) string {
	return "sync:" + accountID.String()
}

// keepLeaseAlive extends lease every third of the lock TTL until the returned
// stop func is called. A lost lease is logged and renewal stops.
func (s *syncService) keepLeaseAlive(ctx context.Context, lease locks.Lease, accountID uuid.UUID) func() {
	interval := s.cfg.LockTTL / 3
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	waiter := s.clock.TickerFunc(ctx, interval, func() error {
		err := lease.Extend(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Failed to extend sync lock",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		if errors.Is(err, locks.ErrLeaseLost) {
			return err
		}
		return nil
	}, "sync", "lease")

	return func() {
		cancel()
		_ = waiter.Wait()
	}
}

// lookback applies the default and the retention cap.
func (s *syncService) lookback(days int) int {
	if days <= 0 {
		days = s.cfg.DefaultLookbackDays
	}
	if s.cfg.MaxLookbackDays > 0 && days > s.cfg.MaxLookbackDays {
		days = s.cfg.MaxLookbackDays
	}
	return days
}

// window returns [midnight UTC lookbackDays days ago, now].
func (s *syncService) window(days int) (time.Time, time.Time) {
	end := s.clock.Now().UTC()
	midnight := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -days), end
}

func (s *syncService) SyncAccount(ctx context.Context, accountID uuid.UUID, lookbackDays int) (*models.SyncResult, error) {
	started := s.clock.Now()

	ctx, release, err := s.scopes.WithoutTenantScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer release()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Status.CanSync() {
		metrics.ObserveSync("skipped", 0)
		return nil, fmt.Errorf("%w: account %s has status %s", apperrors.ErrAccountNotSyncable, accountID, account.Status)
	}

	conn, err := s.connections.GetByAccountID(ctx, accountID)
	if errors.Is(err, apperrors.ErrNotFound) {
		metrics.ObserveSync("skipped", 0)
		return nil, fmt.Errorf("%w: account %s", apperrors.ErrNoConnection, accountID)
	}
	if err != nil {
		return nil, err
	}

	lease, err := s.locker.TryLock(ctx, lockKey(accountID))
	if errors.Is(err, locks.ErrLocked) {
		metrics.ObserveSync("skipped", 0)
		return nil, fmt.Errorf("%w: account %s", apperrors.ErrSyncInProgress, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release sync lock",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
		}
	}()
	stopRenew := s.keepLeaseAlive(ctx, lease, accountID)
	defer stopRenew()

	days := s.lookback(lookbackDays)
	s.logger.Info("Starting account sync",
		zap.String("account_id", accountID.String()),
		zap.String("zone_id", conn.ZoneID),
		zap.Int("lookback_days", days))

	result, runErr := s.run(ctx, account, conn, days)
	elapsed := s.clock.Since(started)

	if runErr != nil {
		s.recordFailure(ctx, account, runErr)
		metrics.ObserveSync("error", elapsed)
		s.logger.Error("Account sync failed",
			zap.String("account_id", accountID.String()),
			zap.Duration("elapsed", elapsed),
			zap.String("error", logging.SanitizeError(runErr)))
		return nil, runErr
	}

	if err := s.recordSuccess(ctx, account); err != nil {
		metrics.ObserveSync("error", elapsed)
		return nil, err
	}

	metrics.ObserveSync("success", elapsed)
	s.logger.Info("Account sync complete",
		zap.String("account_id", accountID.String()),
		zap.Int("rows", result.RowsFetched),
		zap.Int("pages", result.Pages),
		zap.Int("snapshots", result.SnapshotsUpserted),
		zap.Int("paths", result.PathsUpserted),
		zap.Int("truncated_buckets", result.TruncatedBuckets),
		zap.Duration("elapsed", elapsed))

	return result, nil
}

// run performs decrypt, fetch, aggregate and write. Any error it returns is
// recorded on the connection by the caller.
func (s *syncService) run(ctx context.Context, account *models.Account, conn *models.Connection, days int) (*models.SyncResult, error) {
	token, err := s.vault.Decrypt(conn.APITokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api token: %w", err)
	}

	start, end := s.window(days)
	fetch := func(ctx context.Context, from, to time.Time) ([]models.AnalyticsRow, error) {
		return s.fetcher.FetchPage(ctx, token, conn.ZoneID, from, to)
	}

	page, err := s.paginator.Paginate(ctx, fetch, start, end)
	if err != nil {
		return nil, err
	}
	metrics.SyncPagesFetched.Add(float64(page.Pages))
	metrics.SyncRowsFetched.Add(float64(len(page.Rows)))
	metrics.SyncTruncatedBuckets.Add(float64(page.TruncatedBuckets))

	agg := Aggregate(page.Rows, s.cfg.MaxPathsPerDate)
	if agg.Unmatched > 0 {
		s.logger.Debug("Dropped unclassified rows",
			zap.String("account_id", account.ID.String()),
			zap.Int("unmatched", agg.Unmatched))
	}

	snapshots, paths, err := s.writer.Write(ctx, account.ID, agg)
	if err != nil {
		return nil, fmt.Errorf("failed to write rollups: %w", err)
	}

	return &models.SyncResult{
		SnapshotsUpserted: snapshots,
		PathsUpserted:     paths,
		RowsFetched:       len(page.Rows),
		Pages:             page.Pages,
		TruncatedBuckets:  page.TruncatedBuckets,
	}, nil
}

// writeBackScope returns a fresh connection scope that survives caller
// cancellation, so the outcome is recorded even if the request went away.
func (s *syncService) writeBackScope(ctx context.Context) (context.Context, func(), error) {
	return s.scopes.WithoutTenantScope(context.WithoutCancel(ctx))
}

func (s *syncService) recordSuccess(ctx context.Context, account *models.Account) error {
	wctx, release, err := s.writeBackScope(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer release()

	if err := s.connections.MarkSynced(wctx, account.ID, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	if account.Status == models.AccountStatusError {
		if err := s.accounts.UpdateStatus(wctx, account.ID, models.AccountStatusConnected); err != nil {
			return fmt.Errorf("failed to restore account status: %w", err)
		}
	}
	return nil
}

func (s *syncService) recordFailure(ctx context.Context, account *models.Account, syncErr error) {
	wctx, release, err := s.writeBackScope(ctx)
	if err != nil {
		s.logger.Error("Failed to acquire connection to record sync error",
			zap.String("account_id", account.ID.String()),
			zap.Error(err))
		return
	}
	defer release()

	message := logging.SanitizeError(syncErr)
	if err := s.connections.RecordError(wctx, account.ID, message); err != nil {
		s.logger.Error("Failed to record sync error",
			zap.String("account_id", account.ID.String()),
			zap.Error(err))
	}
	if err := s.accounts.UpdateStatus(wctx, account.ID, models.AccountStatusError); err != nil {
		s.logger.Error("Failed to set account error status",
			zap.String("account_id", account.ID.String()),
			zap.Error(err))
	}
}

func (s *syncService) SyncAllConnected(ctx context.Context, lookbackDays int) (*models.BatchSyncReport, error) {
	accounts, err := s.listSyncable(ctx)
	if err != nil {
		return nil, err
	}

	report := &models.BatchSyncReport{
		Total:   len(accounts),
		Details: make([]models.AccountSyncOutcome, 0, len(accounts)),
	}

	for i, account := range accounts {
		if i > 0 && s.cfg.AccountDelay > 0 {
			if err := s.pause(ctx, s.cfg.AccountDelay); err != nil {
				return report, err
			}
		}

		outcome := models.AccountSyncOutcome{AccountID: account.ID, Domain: account.Domain}
		result, err := s.SyncAccount(ctx, account.ID, lookbackDays)
		if err != nil {
			outcome.Status = "error"
			outcome.Error = logging.SanitizeError(err)
			report.Errors++
		} else {
			outcome.Status = "ok"
			outcome.SnapshotsUpserted = result.SnapshotsUpserted
			outcome.PathsUpserted = result.PathsUpserted
			report.Synced++
		}
		report.Details = append(report.Details, outcome)
	}

	s.logger.Info("Batch sync complete",
		zap.Int("total", report.Total),
		zap.Int("synced", report.Synced),
		zap.Int("errors", report.Errors))

	return report, nil
}

func (s *syncService) listSyncable(ctx context.Context) ([]*models.Account, error) {
	ctx, release, err := s.scopes.WithoutTenantScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer release()

	accounts, err := s.accounts.ListSyncable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected accounts: %w", err)
	}
	return accounts, nil
}

// pause waits d on the service clock or until ctx is done.
func (s *syncService) pause(ctx context.Context, d time.Duration) error {
	timer := s.clock.NewTimer(d, "sync", "account_delay")
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *syncService) Status(ctx context.Context, accountID uuid.UUID) (*models.SyncStatus, error) {
	ctx, release, err := s.scopes.WithoutTenantScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer release()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	status := &models.SyncStatus{AccountID: account.ID, Status: account.Status}

	conn, err := s.connections.GetByAccountID(ctx, accountID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return status, nil
	case err != nil:
		return nil, err
	}
	status.LastSyncedAt = conn.LastSyncedAt
	status.SyncError = conn.SyncError
	return status, nil
}

var _ SyncService = (*syncService)(nil)

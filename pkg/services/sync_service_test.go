package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/config"
	"github.com/crawlscope/crawlscope/pkg/locks"
	"github.com/crawlscope/crawlscope/pkg/models"
)

type syncFixture struct {
	accounts *fakeAccountRepo
	conns    *fakeConnectionRepo
	snaps    *fakeSnapshotRepo
	fetcher  *fakeFetcher
	vault    *fakeVault
	locker   *countingLocker
	scopes   *fakeScopes
	clock    *quartz.Mock
	svc      SyncService
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		DefaultLookbackDays: 7,
		MaxLookbackDays:     30,
		PageLimit:           50,
		MaxPathsPerDate:     50,
		BatchSize:           500,
		BoundaryPolicy:      config.BoundaryPolicyDedupe,
		QueueConcurrency:    1,
	}
}

func newSyncFixture(t *testing.T, now time.Time, mutate func(*config.SyncConfig)) *syncFixture {
	t.Helper()
	cfg := testSyncConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	f := &syncFixture{
		accounts: newFakeAccountRepo(),
		conns:    newFakeConnectionRepo(),
		snaps:    newFakeSnapshotRepo(),
		fetcher:  &fakeFetcher{pageLimit: cfg.PageLimit},
		vault:    &fakeVault{},
		locker:   newCountingLocker(),
		scopes:   &fakeScopes{},
		clock:    quartz.NewMock(t),
	}
	f.accounts.connected = f.conns.has
	f.clock.Set(now)

	f.svc = NewSyncService(
		f.accounts,
		f.conns,
		NewUpsertWriter(f.snaps, cfg.BatchSize, zap.NewNop()),
		f.fetcher,
		f.vault,
		f.locker,
		f.scopes,
		f.clock,
		cfg,
		zap.NewNop(),
	)
	return f
}

// connect adds an account with a stored connection.
func (f *syncFixture) connect(domain string, status models.AccountStatus) *models.Account {
	a := f.accounts.add(domain, status)
	f.conns.conns[a.ID] = &models.Connection{
		ID:          uuid.New(),
		AccountID:   a.ID,
		ZoneID:      "zone-" + domain,
		APITokenEnc: "enc:cf-token-" + domain,
		Provider:    models.ProviderCloudflare,
	}
	return a
}

// dailyRows builds hourly traffic for days consecutive days starting at from:
// two agents on two paths per hour, with counts that vary by day and hour.
func dailyRows(from time.Time, days int) []models.AnalyticsRow {
	var rows []models.AnalyticsRow
	for d := 0; d < days; d++ {
		for h := 0; h < 24; h++ {
			hour := from.AddDate(0, 0, d).Add(time.Duration(h) * time.Hour)
			for _, ua := range []string{"Mozilla/5.0 (compatible; GPTBot/1.2)", "ClaudeBot/1.0"} {
				for i, path := range []string{"/", "/docs"} {
					rows = append(rows, models.AnalyticsRow{
						Hour:      hour,
						UserAgent: ua,
						Path:      path,
						Count:     int64(d + 1 + h%3 + i),
						Bytes:     int64(100 * (d + 1)),
					})
				}
			}
		}
	}
	return rows
}

var syncNow = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

func TestSyncAccount_Success(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusConnected)
	f.fetcher.rows = dailyRows(jan1, 2)

	result, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
	require.NoError(t, err)

	// Jan 1 full day + Jan 2 up to 12:00 inclusive: 37 hours x 4 rows.
	assert.Equal(t, 37*4, result.RowsFetched)
	assert.Equal(t, 4, result.SnapshotsUpserted, "two agents on two dates")
	assert.Equal(t, 8, result.PathsUpserted)
	assert.Greater(t, result.Pages, 1)
	assert.Zero(t, result.TruncatedBuckets)

	require.NotEmpty(t, f.fetcher.calls)
	first := f.fetcher.calls[0]
	assert.Equal(t, "cf-token-example.com", first.token)
	assert.Equal(t, "zone-example.com", first.zoneID)
	assert.Equal(t, time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC), first.start)
	assert.Equal(t, syncNow, first.end)

	conn := f.conns.get(a.ID)
	require.NotNil(t, conn.LastSyncedAt)
	assert.True(t, conn.LastSyncedAt.Equal(syncNow))
	assert.Nil(t, conn.SyncError)
	assert.Equal(t, models.AccountStatusConnected, f.accounts.status(a.ID))
	assert.Empty(t, f.accounts.statusUpdates)

	assert.Zero(t, f.scopes.openCount(), "all scopes released")
	lease, err := f.locker.TryLock(context.Background(), lockKey(a.ID))
	require.NoError(t, err, "lock released after sync")
	require.NoError(t, lease.Release(context.Background()))
}

func TestSyncAccount_ErrorStatusRecoversOnSuccess(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusError)
	msg := "previous failure"
	f.conns.conns[a.ID].SyncError = &msg
	f.fetcher.rows = dailyRows(jan1, 1)

	_, err := f.svc.SyncAccount(context.Background(), a.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, models.AccountStatusConnected, f.accounts.status(a.ID))
	assert.Nil(t, f.conns.get(a.ID).SyncError)
}

// A disconnected or pending account fails before any network call and keeps its state.
func TestSyncAccount_NotSyncable(t *testing.T) {
	for _, status := range []models.AccountStatus{models.AccountStatusDisconnected, models.AccountStatusPending} {
		t.Run(string(status), func(t *testing.T) {
			f := newSyncFixture(t, syncNow, nil)
			a := f.connect("example.com", status)

			_, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
			require.ErrorIs(t, err, apperrors.ErrAccountNotSyncable)

			assert.Zero(t, f.fetcher.callCount())
			assert.Zero(t, f.vault.decrypts)
			assert.Empty(t, f.accounts.statusUpdates)
			assert.Nil(t, f.conns.get(a.ID).SyncError)
		})
	}
}

func TestSyncAccount_UnknownAccount(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)

	_, err := f.svc.SyncAccount(context.Background(), uuid.New(), 7)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, f.fetcher.callCount())
}

func TestSyncAccount_NoConnection(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.accounts.add("example.com", models.AccountStatusConnected)

	_, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
	require.ErrorIs(t, err, apperrors.ErrNoConnection)

	assert.Zero(t, f.fetcher.callCount())
	assert.Empty(t, f.accounts.statusUpdates)
}

// A sync that fails midway keeps the previous last-synced time and records the error.
func TestSyncAccount_FailureMidwayRecordsError(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusConnected)
	previous := syncNow.Add(-24 * time.Hour)
	f.conns.conns[a.ID].LastSyncedAt = &previous

	f.fetcher.rows = dailyRows(jan1, 2)
	f.fetcher.failOnCall = 2
	f.fetcher.err = errors.New("upstream exploded")

	_, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream exploded")

	conn := f.conns.get(a.ID)
	require.NotNil(t, conn.LastSyncedAt)
	assert.True(t, conn.LastSyncedAt.Equal(previous), "last synced time unchanged")
	require.NotNil(t, conn.SyncError)
	assert.Contains(t, *conn.SyncError, "upstream exploded")
	assert.Equal(t, models.AccountStatusError, f.accounts.status(a.ID))
	assert.Empty(t, f.snaps.snapshotBatches, "nothing written")
}

func TestSyncAccount_DecryptFailureRecorded(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusConnected)
	f.vault.decryptErr = errors.New("decryption failed: message authentication failed")

	_, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt")

	assert.Zero(t, f.fetcher.callCount())
	assert.Equal(t, models.AccountStatusError, f.accounts.status(a.ID))
	require.NotNil(t, f.conns.get(a.ID).SyncError)
	assert.Contains(t, *f.conns.get(a.ID).SyncError, "decrypt")
}

func TestSyncAccount_WriteFailureRecorded(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusConnected)
	f.fetcher.rows = dailyRows(jan1, 1)
	f.snaps.failPathBatch = 1

	_, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write rollups")
	assert.Equal(t, models.AccountStatusError, f.accounts.status(a.ID))
}

func TestSyncAccount_RecordsErrorAfterCallerCancels(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetcher.onFetch = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.svc.SyncAccount(ctx, a.ID, 7)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, models.AccountStatusError, f.accounts.status(a.ID))
	require.NotNil(t, f.conns.get(a.ID).SyncError)
	require.NotEmpty(t, f.conns.writeBackCtxErr)
	assert.NoError(t, f.conns.writeBackCtxErr[len(f.conns.writeBackCtxErr)-1], "write-back context is not cancelled")
}

func TestSyncAccount_LockHeld(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusConnected)

	lease, err := f.locker.TryLock(context.Background(), lockKey(a.ID))
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, err = f.svc.SyncAccount(context.Background(), a.ID, 7)
	require.ErrorIs(t, err, apperrors.ErrSyncInProgress)

	assert.Zero(t, f.fetcher.callCount())
	assert.Empty(t, f.accounts.statusUpdates)
	assert.Nil(t, f.conns.get(a.ID).SyncError)
}

func TestSyncAccount_ConcurrentSyncsDoNotInterleave(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusConnected)
	f.fetcher.rows = dailyRows(jan1, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.fetcher.onFetch = func(context.Context) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
		done <- err
	}()

	<-entered
	_, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
	assert.ErrorIs(t, err, apperrors.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, f.snaps.maxActive)
	assert.Equal(t, models.AccountStatusConnected, f.accounts.status(a.ID))

	// Once the first sync finishes the account can be synced again.
	_, err = f.svc.SyncAccount(context.Background(), a.ID, 7)
	assert.NoError(t, err)
}

// blockFetches makes the fetcher wait on release; entered closes on the first fetch.
func blockFetches(f *syncFixture) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	f.fetcher.onFetch = func(context.Context) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	return entered, release
}

func TestSyncAccount_ExtendsLeaseWhileRunning(t *testing.T) {
	f := newSyncFixture(t, syncNow, func(c *config.SyncConfig) { c.LockTTL = 3 * time.Minute })
	a := f.connect("example.com", models.AccountStatusConnected)
	f.fetcher.rows = dailyRows(jan1, 2)
	ctx := context.Background()

	trap := f.clock.Trap().TickerFunc("sync", "lease")
	defer trap.Close()
	entered, release := blockFetches(f)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SyncAccount(ctx, a.ID, 7)
		done <- err
	}()

	call := trap.MustWait(ctx)
	assert.Equal(t, time.Minute, call.Duration)
	call.MustRelease(ctx)
	<-entered

	// A sync running past the TTL keeps extending its lease.
	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Minute).MustWait(ctx)
	}
	assert.Equal(t, int64(4), f.locker.extensions())

	close(release)
	require.NoError(t, <-done)

	f.clock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, int64(4), f.locker.extensions(), "renewal stops with the sync")

	lease, err := f.locker.TryLock(ctx, lockKey(a.ID))
	require.NoError(t, err, "lease released after sync")
	require.NoError(t, lease.Release(ctx))
}

func TestSyncAccount_LostLeaseStopsRenewal(t *testing.T) {
	f := newSyncFixture(t, syncNow, func(c *config.SyncConfig) { c.LockTTL = 3 * time.Minute })
	a := f.connect("example.com", models.AccountStatusConnected)
	f.fetcher.rows = dailyRows(jan1, 2)
	f.locker.extendErr = locks.ErrLeaseLost
	ctx := context.Background()

	entered, release := blockFetches(f)
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SyncAccount(ctx, a.ID, 7)
		done <- err
	}()
	<-entered

	f.clock.Advance(time.Minute).MustWait(ctx)
	f.clock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, int64(1), f.locker.extensions())

	close(release)
	require.NoError(t, <-done)
}

func TestSyncAccount_LookbackWindow(t *testing.T) {
	tests := []struct {
		name      string
		days      int
		wantStart time.Time
	}{
		{name: "zero uses default", days: 0, wantStart: time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC)},
		{name: "negative uses default", days: -3, wantStart: time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC)},
		{name: "explicit", days: 1, wantStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "capped at max", days: 90, wantStart: time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(t, syncNow, nil)
			a := f.connect("example.com", models.AccountStatusConnected)

			_, err := f.svc.SyncAccount(context.Background(), a.ID, tt.days)
			require.NoError(t, err)
			require.Len(t, f.fetcher.calls, 1)
			assert.Equal(t, tt.wantStart, f.fetcher.calls[0].start)
		})
	}
}

// Syncing days 1-10 and then days 5-15 leaves the same rollups as one sync of days 1-15.
func TestSyncAccount_OverlappingSyncsAreIdempotent(t *testing.T) {
	data := dailyRows(jan1, 15)
	jan10 := time.Date(2026, 1, 10, 23, 30, 0, 0, time.UTC)
	jan15 := time.Date(2026, 1, 15, 23, 30, 0, 0, time.UTC)

	split := newSyncFixture(t, jan10, nil)
	a := split.connect("example.com", models.AccountStatusConnected)
	split.fetcher.rows = data

	_, err := split.svc.SyncAccount(context.Background(), a.ID, 9)
	require.NoError(t, err)
	split.clock.Set(jan15)
	_, err = split.svc.SyncAccount(context.Background(), a.ID, 10)
	require.NoError(t, err)

	whole := newSyncFixture(t, jan15, nil)
	b := whole.connect("example.com", models.AccountStatusConnected)
	whole.fetcher.rows = data

	_, err = whole.svc.SyncAccount(context.Background(), b.ID, 14)
	require.NoError(t, err)

	splitSnaps, splitPaths := split.snaps.rowsFor(a.ID)
	wholeSnaps, wholePaths := whole.snaps.rowsFor(b.ID)

	assert.Len(t, wholeSnaps, 15*2)
	assert.Equal(t, wholeSnaps, splitSnaps)
	assert.Equal(t, wholePaths, splitPaths)
}

func TestSyncAccount_TopPathsCappedPerDate(t *testing.T) {
	f := newSyncFixture(t, syncNow, func(c *config.SyncConfig) { c.PageLimit = 1000 })
	a := f.connect("example.com", models.AccountStatusConnected)

	var rows []models.AnalyticsRow
	for i := 0; i < 120; i++ {
		rows = append(rows, models.AnalyticsRow{
			Hour:      jan1.Add(time.Duration(i%24) * time.Hour),
			UserAgent: "GPTBot",
			Path:      "/article/" + uuid.NewString(),
			Count:     int64(i + 1),
		})
	}
	// The fetcher serves rows in hour order.
	for h := 0; h < 24; h++ {
		for _, r := range rows {
			if r.Hour.Equal(jan1.Add(time.Duration(h) * time.Hour)) {
				f.fetcher.rows = append(f.fetcher.rows, r)
			}
		}
	}

	result, err := f.svc.SyncAccount(context.Background(), a.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 50, result.PathsUpserted)

	_, paths := f.snaps.rowsFor(a.ID)
	assert.Len(t, paths, 50)
}

// topPathRows spreads n paths with the given count across ten hours from first.
func topPathRows(first time.Time, prefix string, n int, count int64) []models.AnalyticsRow {
	rows := make([]models.AnalyticsRow, n)
	for i := range rows {
		rows[i] = models.AnalyticsRow{
			Hour:      first.Add(time.Duration(i%10) * time.Hour),
			UserAgent: "GPTBot",
			Path:      fmt.Sprintf("%s/%d", prefix, i),
			Count:     count,
		}
	}
	return rows
}

func TestSyncAccount_ResyncReplacesTopPathsOfTheDay(t *testing.T) {
	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	f := newSyncFixture(t, day.Add(10*time.Hour), func(c *config.SyncConfig) { c.PageLimit = 1000 })
	a := f.connect("example.com", models.AccountStatusConnected)

	f.fetcher.rows = topPathRows(day, "/a", 50, 1)
	_, err := f.svc.SyncAccount(context.Background(), a.ID, 1)
	require.NoError(t, err)

	// Later in the day fifty busier paths show up.
	f.fetcher.rows = append(f.fetcher.rows, topPathRows(day.Add(12*time.Hour), "/b", 50, 100)...)
	f.clock.Set(day.Add(22 * time.Hour))
	_, err = f.svc.SyncAccount(context.Background(), a.ID, 1)
	require.NoError(t, err)

	_, paths := f.snaps.rowsFor(a.ID)
	stored := 0
	for _, p := range paths {
		if p.Date != "2026-01-05" {
			continue
		}
		stored++
		assert.True(t, strings.HasPrefix(p.Path, "/b/"), "stale path %s kept", p.Path)
	}
	assert.Equal(t, 50, stored)
}

func TestSyncAllConnected(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	ok := f.connect("a-ok.com", models.AccountStatusConnected)
	bad := f.connect("b-bad.com", models.AccountStatusConnected)
	f.connect("c-off.com", models.AccountStatusDisconnected)
	f.accounts.add("d-noconn.com", models.AccountStatusConnected)

	f.fetcher.rows = dailyRows(jan1, 1)
	f.fetcher.zoneErrs = map[string]error{"zone-b-bad.com": errors.New("zone not found or token lacks access")}

	report, err := f.svc.SyncAllConnected(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Errors)
	require.Len(t, report.Details, 2)

	assert.Equal(t, ok.ID, report.Details[0].AccountID)
	assert.Equal(t, "ok", report.Details[0].Status)
	assert.Equal(t, 2, report.Details[0].SnapshotsUpserted)

	assert.Equal(t, bad.ID, report.Details[1].AccountID)
	assert.Equal(t, "b-bad.com", report.Details[1].Domain)
	assert.Equal(t, "error", report.Details[1].Status)
	assert.Contains(t, report.Details[1].Error, "zone not found")

	assert.Equal(t, models.AccountStatusError, f.accounts.status(bad.ID))
	assert.Equal(t, models.AccountStatusConnected, f.accounts.status(ok.ID))
}

func TestSyncAllConnected_NoAccounts(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)

	report, err := f.svc.SyncAllConnected(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Empty(t, report.Details)
}

func TestSyncAllConnected_ScopeError(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	f.scopes.err = errors.New("pool exhausted")

	_, err := f.svc.SyncAllConnected(context.Background(), 7)
	assert.Error(t, err)
}

func TestSyncStatus(t *testing.T) {
	f := newSyncFixture(t, syncNow, nil)
	a := f.connect("example.com", models.AccountStatusError)
	msg := "cloudflare returned status 403"
	f.conns.conns[a.ID].SyncError = &msg
	f.conns.conns[a.ID].LastSyncedAt = &syncNow

	status, err := f.svc.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusError, status.Status)
	require.NotNil(t, status.SyncError)
	assert.Equal(t, msg, *status.SyncError)
	require.NotNil(t, status.LastSyncedAt)
	assert.True(t, status.LastSyncedAt.Equal(syncNow))

	pending := f.accounts.add("new.com", models.AccountStatusPending)
	status, err = f.svc.Status(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusPending, status.Status)
	assert.Nil(t, status.LastSyncedAt)
	assert.Nil(t, status.SyncError)

	_, err = f.svc.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

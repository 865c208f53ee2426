package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crawlscope/crawlscope/pkg/apperrors"
	"github.com/crawlscope/crawlscope/pkg/locks"
	"github.com/crawlscope/crawlscope/pkg/models"
)

// fakeAccountRepo is an in-memory AccountRepository.
type fakeAccountRepo struct {
	mu            sync.Mutex
	accounts      map[uuid.UUID]*models.Account
	statusUpdates []models.AccountStatus
	// connected reports whether an account has a connection, for ListSyncable.
	connected func(uuid.UUID) bool
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[uuid.UUID]*models.Account)}
}

func (r *fakeAccountRepo) add(domain string, status models.AccountStatus) *models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := &models.Account{ID: uuid.New(), Domain: domain, Status: status, CreatedAt: time.Now()}
	r.accounts[a.ID] = a
	return a
}

func (r *fakeAccountRepo) status(id uuid.UUID) models.AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id].Status
}

func (r *fakeAccountRepo) Create(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Status == "" {
		account.Status = models.AccountStatusPending
	}
	cp := *account
	r.accounts[account.ID] = &cp
	return nil
}

func (r *fakeAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAccountRepo) UpdateStatus(_ context.Context, id uuid.UUID, status models.AccountStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	a.Status = status
	r.statusUpdates = append(r.statusUpdates, status)
	return nil
}

func (r *fakeAccountRepo) ListSyncable(_ context.Context) ([]*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Account
	for _, a := range r.accounts {
		if a.Status != models.AccountStatusConnected {
			continue
		}
		if r.connected != nil && !r.connected(a.ID) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// fakeConnectionRepo is an in-memory ConnectionRepository.
type fakeConnectionRepo struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*models.Connection
	// writeBackCtxErr records ctx.Err() seen by MarkSynced and RecordError.
	writeBackCtxErr []error
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{conns: make(map[uuid.UUID]*models.Connection)}
}

func (r *fakeConnectionRepo) has(accountID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[accountID]
	return ok
}

func (r *fakeConnectionRepo) get(accountID uuid.UUID) *models.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[accountID]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (r *fakeConnectionRepo) GetByAccountID(_ context.Context, accountID uuid.UUID) (*models.Connection, error) {
	if c := r.get(accountID); c != nil {
		return c, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeConnectionRepo) Upsert(_ context.Context, conn *models.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[conn.AccountID]; ok {
		conn.ID = existing.ID
		conn.LastSyncedAt = existing.LastSyncedAt
	} else if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	conn.SyncError = nil
	cp := *conn
	r.conns[conn.AccountID] = &cp
	return nil
}

func (r *fakeConnectionRepo) Delete(_ context.Context, accountID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[accountID]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.conns, accountID)
	return nil
}

func (r *fakeConnectionRepo) MarkSynced(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeBackCtxErr = append(r.writeBackCtxErr, ctx.Err())
	c, ok := r.conns[accountID]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.LastSyncedAt = &at
	c.SyncError = nil
	return nil
}

func (r *fakeConnectionRepo) RecordError(ctx context.Context, accountID uuid.UUID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeBackCtxErr = append(r.writeBackCtxErr, ctx.Err())
	c, ok := r.conns[accountID]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.SyncError = &message
	return nil
}

type snapshotRowKey struct {
	accountID uuid.UUID
	date      string
	botName   string
}

type pathRowKey struct {
	accountID uuid.UUID
	date      string
	path      string
	botName   string
}

// fakeSnapshotRepo stores rollups with the same replace-on-conflict keys as the
// real tables.
type fakeSnapshotRepo struct {
	mu        sync.Mutex
	snapshots map[snapshotRowKey]models.AgentSnapshot
	paths     map[pathRowKey]models.PathSnapshot

	snapshotBatches []int
	pathBatches     []int
	// failPathBatch makes the nth path batch (1-based) fail.
	failPathBatch int
	prunedDates   []string
	pruneErr      error
	// active counts writers inside Upsert* at once; maxActive is its high-water mark.
	active, maxActive int
	hold              time.Duration
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{
		snapshots: make(map[snapshotRowKey]models.AgentSnapshot),
		paths:     make(map[pathRowKey]models.PathSnapshot),
	}
}

func (r *fakeSnapshotRepo) enter() {
	r.mu.Lock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	hold := r.hold
	r.mu.Unlock()
	if hold > 0 {
		time.Sleep(hold)
	}
}

func (r *fakeSnapshotRepo) leave() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *fakeSnapshotRepo) UpsertSnapshots(_ context.Context, accountID uuid.UUID, snapshots []models.AgentSnapshot) error {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshotBatches = append(r.snapshotBatches, len(snapshots))
	for _, s := range snapshots {
		r.snapshots[snapshotRowKey{accountID, s.Date, s.BotName}] = s
	}
	return nil
}

func (r *fakeSnapshotRepo) UpsertPaths(_ context.Context, accountID uuid.UUID, paths []models.PathSnapshot) error {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pathBatches = append(r.pathBatches, len(paths))
	if r.failPathBatch > 0 && len(r.pathBatches) == r.failPathBatch {
		return errors.New("connection reset by peer")
	}
	for _, p := range paths {
		r.paths[pathRowKey{accountID, p.Date, p.Path, p.BotName}] = p
	}
	return nil
}

func (r *fakeSnapshotRepo) PrunePaths(_ context.Context, accountID uuid.UUID, date string, keep []models.PathSnapshot) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pruneErr != nil {
		return 0, r.pruneErr
	}
	r.prunedDates = append(r.prunedDates, date)
	kept := make(map[pathRowKey]bool, len(keep))
	for _, p := range keep {
		kept[pathRowKey{accountID, date, p.Path, p.BotName}] = true
	}
	var n int64
	for k := range r.paths {
		if k.accountID == accountID && k.date == date && !kept[k] {
			delete(r.paths, k)
			n++
		}
	}
	return n, nil
}

func (r *fakeSnapshotRepo) ListForExport(ctx context.Context, accountID uuid.UUID) ([]models.AgentSnapshot, error) {
	return r.ListSnapshots(ctx, accountID, "")
}

func (r *fakeSnapshotRepo) ListSnapshots(_ context.Context, accountID uuid.UUID, sinceDate string) ([]models.AgentSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AgentSnapshot
	for k, s := range r.snapshots {
		if k.accountID == accountID && s.Date >= sinceDate {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].BotName < out[j].BotName
	})
	return out, nil
}

func (r *fakeSnapshotRepo) TopPaths(_ context.Context, accountID uuid.UUID, sinceDate string, limit int) ([]models.PathTotal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	totals := make(map[string]*models.PathTotal)
	agentsByPath := make(map[string]map[string]bool)
	for k, p := range r.paths {
		if k.accountID != accountID || p.Date < sinceDate {
			continue
		}
		t, ok := totals[p.Path]
		if !ok {
			t = &models.PathTotal{Path: p.Path}
			totals[p.Path] = t
			agentsByPath[p.Path] = make(map[string]bool)
		}
		t.TotalRequests += p.RequestCount
		agentsByPath[p.Path][p.BotName] = true
	}
	out := make([]models.PathTotal, 0, len(totals))
	for path, t := range totals {
		t.AgentCount = len(agentsByPath[path])
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRequests != out[j].TotalRequests {
			return out[i].TotalRequests > out[j].TotalRequests
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// rowsFor returns the stored rollups of one account, for comparing runs.
func (r *fakeSnapshotRepo) rowsFor(accountID uuid.UUID) (map[string]models.AgentSnapshot, map[string]models.PathSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := make(map[string]models.AgentSnapshot)
	for k, s := range r.snapshots {
		if k.accountID == accountID {
			snaps[k.date+"|"+k.botName] = s
		}
	}
	paths := make(map[string]models.PathSnapshot)
	for k, p := range r.paths {
		if k.accountID == accountID {
			paths[k.date+"|"+k.path+"|"+k.botName] = p
		}
	}
	return snaps, paths
}

// fetchCall records one FetchPage invocation.
type fetchCall struct {
	token  string
	zoneID string
	start  time.Time
	end    time.Time
}

// fakeFetcher serves pages from a fixed data set the way the GraphQL API does:
// rows with start <= hour <= end, ordered by hour, capped at pageLimit.
type fakeFetcher struct {
	mu        sync.Mutex
	rows      []models.AnalyticsRow
	pageLimit int
	calls     []fetchCall
	// failOnCall makes the nth call (1-based) return err.
	failOnCall int
	err        error
	// zoneErrs fails every call for the listed zones.
	zoneErrs map[string]error
	// onFetch runs before each page is served.
	onFetch func(ctx context.Context) error
}

func (f *fakeFetcher) FetchPage(ctx context.Context, token, zoneID string, start, end time.Time) ([]models.AnalyticsRow, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{token: token, zoneID: zoneID, start: start, end: end})
	n := len(f.calls)
	onFetch := f.onFetch
	f.mu.Unlock()

	if onFetch != nil {
		if err := onFetch(ctx); err != nil {
			return nil, err
		}
	}
	if f.failOnCall > 0 && n == f.failOnCall {
		return nil, f.err
	}
	if err, ok := f.zoneErrs[zoneID]; ok {
		return nil, err
	}

	var page []models.AnalyticsRow
	for _, r := range f.rows {
		if r.Hour.Before(start) || r.Hour.After(end) {
			continue
		}
		page = append(page, r)
		if f.pageLimit > 0 && len(page) == f.pageLimit {
			break
		}
	}
	return page, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeVault "encrypts" by prefixing, so tests can see which token was used.
type fakeVault struct {
	decryptErr error
	decrypts   int
}

func (v *fakeVault) Encrypt(plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (v *fakeVault) Decrypt(blob string) (string, error) {
	v.decrypts++
	if v.decryptErr != nil {
		return "", v.decryptErr
	}
	return strings.TrimPrefix(blob, "enc:"), nil
}

// countingLocker wraps a MemoryLocker and counts lease extensions.
type countingLocker struct {
	*locks.MemoryLocker
	extends   atomic.Int64
	extendErr error
}

func newCountingLocker() *countingLocker {
	return &countingLocker{MemoryLocker: locks.NewMemoryLocker()}
}

func (l *countingLocker) TryLock(ctx context.Context, key string) (locks.Lease, error) {
	lease, err := l.MemoryLocker.TryLock(ctx, key)
	if err != nil {
		return nil, err
	}
	return &countingLease{Lease: lease, locker: l}, nil
}

func (l *countingLocker) extensions() int64 {
	return l.extends.Load()
}

type countingLease struct {
	locks.Lease
	locker *countingLocker
}

func (l *countingLease) Extend(ctx context.Context) error {
	l.locker.extends.Add(1)
	if l.locker.extendErr != nil {
		return l.locker.extendErr
	}
	return l.Lease.Extend(ctx)
}

// fakeScopes hands out no-op scopes and counts open ones.
type fakeScopes struct {
	mu   sync.Mutex
	open int
	err  error
}

func (s *fakeScopes) WithTenantScope(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
	return s.WithoutTenantScope(ctx)
}

func (s *fakeScopes) WithoutTenantScope(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, nil, s.err
	}
	s.open++
	return ctx, func() {
		s.mu.Lock()
		s.open--
		s.mu.Unlock()
	}, nil
}

func (s *fakeScopes) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// fakeVerifier returns preset errors for the credential checks.
type fakeVerifier struct {
	tokenErr error
	zoneErr  error
	tokens   []string
	zones    []string
}

func (v *fakeVerifier) VerifyToken(_ context.Context, token string) error {
	v.tokens = append(v.tokens, token)
	return v.tokenErr
}

func (v *fakeVerifier) TestZoneAccess(_ context.Context, token, zoneID string) error {
	v.zones = append(v.zones, zoneID)
	return v.zoneErr
}

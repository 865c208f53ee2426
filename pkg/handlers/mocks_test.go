package handlers

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/config"
	"github.com/crawlscope/crawlscope/pkg/middleware"
	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/services/workqueue"
)

type mockAccountService struct {
	createFn func(ctx context.Context, domain string) (*models.Account, error)
	getFn    func(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

func (m *mockAccountService) Create(ctx context.Context, domain string) (*models.Account, error) {
	return m.createFn(ctx, domain)
}

func (m *mockAccountService) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return m.getFn(ctx, id)
}

type mockConnectionService struct {
	verifyErr     error
	saveFn        func(ctx context.Context, accountID uuid.UUID, zoneID, token string) (*models.Connection, error)
	disconnectErr error
}

func (m *mockConnectionService) Verify(context.Context, string, string) error {
	return m.verifyErr
}

func (m *mockConnectionService) Save(ctx context.Context, accountID uuid.UUID, zoneID, token string) (*models.Connection, error) {
	return m.saveFn(ctx, accountID, zoneID, token)
}

func (m *mockConnectionService) Disconnect(context.Context, uuid.UUID) error {
	return m.disconnectErr
}

type mockSyncService struct {
	mu       sync.Mutex
	days     []int
	result   *models.SyncResult
	err      error
	report   *models.BatchSyncReport
	cronDays int
	status   *models.SyncStatus
}

func (m *mockSyncService) SyncAccount(_ context.Context, _ uuid.UUID, days int) (*models.SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days = append(m.days, days)
	return m.result, m.err
}

func (m *mockSyncService) SyncAllConnected(_ context.Context, days int) (*models.BatchSyncReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cronDays = days
	return m.report, m.err
}

func (m *mockSyncService) Status(context.Context, uuid.UUID) (*models.SyncStatus, error) {
	return m.status, m.err
}

func (m *mockSyncService) recordedDays() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.days...)
}

type mockExportService struct {
	body string
	err  error
}

func (m *mockExportService) Export(_ context.Context, _ uuid.UUID, _ string, w io.Writer) error {
	if m.err != nil {
		return m.err
	}
	_, err := io.WriteString(w, m.body)
	return err
}

type mockDashboardService struct {
	snapshots []models.AgentSnapshot
	paths     []models.PathTotal
	gotDays   int
	gotLimit  int
	err       error
}

func (m *mockDashboardService) Snapshots(_ context.Context, _ uuid.UUID, days int) ([]models.AgentSnapshot, error) {
	m.gotDays = days
	return m.snapshots, m.err
}

func (m *mockDashboardService) TopPaths(_ context.Context, _ uuid.UUID, days, limit int) ([]models.PathTotal, error) {
	m.gotDays = days
	m.gotLimit = limit
	return m.paths, m.err
}

func passthrough(next http.Handler) http.Handler { return next }

const testCronSecret = "cron-secret"

// testAPI wires every handler into a router with passthrough database middleware.
type testAPI struct {
	accounts    *mockAccountService
	connections *mockConnectionService
	sync        *mockSyncService
	export      *mockExportService
	dashboard   *mockDashboardService
	queue       *workqueue.Queue
	router      http.Handler
}

func newTestAPI() *testAPI {
	logger := zap.NewNop()
	api := &testAPI{
		accounts:    &mockAccountService{},
		connections: &mockConnectionService{},
		sync:        &mockSyncService{},
		export:      &mockExportService{},
		dashboard:   &mockDashboardService{},
		queue:       workqueue.New(logger),
	}

	api.router = NewRouter(Routes{
		Health:    NewHealthHandler(&config.Config{Version: "test"}, nil, logger),
		Accounts:  NewAccountHandler(api.accounts, api.connections, logger),
		Sync:      NewSyncHandler(api.sync, api.queue, 1, logger),
		Analytics: NewAnalyticsHandler(api.accounts, api.export, api.dashboard, logger),
		Tenant:    passthrough,
		Unscoped:  passthrough,
		CronAuth:  middleware.RequireBearerSecret(testCronSecret, logger),
	}, logger)
	return api
}
